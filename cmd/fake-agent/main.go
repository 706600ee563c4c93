// ABOUTME: Minimal fake agent for E2E testing — connects via WebSocket, acks and completes commands.
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-id fake-agent-1] [-cluster us-east]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivespace/hive-control/internal/agent"
	"github.com/hivespace/hive-control/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "control server address")
	agentID := flag.String("id", "fake-agent-1", "agent ID")
	cluster := flag.String("cluster", "us-east", "cluster ID")
	region := flag.String("region", "us", "region")
	platform := flag.String("platform", "linux", "platform")
	maxSessions := flag.Int("max-sessions", 10, "reported session capacity")
	failAll := flag.Bool("fail", false, "reject every command instead of completing it")
	flag.Parse()

	if err := run(*addr, *agentID, *cluster, *region, *platform, *maxSessions, *failAll); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID, cluster, region, platform string, maxSessions int, failAll bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dialer := &agent.Dialer{
		URL: "ws://" + addr + "/api/v1/agents/connect",
		Register: protocol.Register{
			AgentID:   agentID,
			Platform:  platform,
			Region:    region,
			ClusterID: cluster,
			Capacity:  &protocol.Capacity{MaxSessions: maxSessions},
		},
	}

	conn, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "registered as %s (cluster: %s)\n", agentID, cluster)

	var mu sync.Mutex
	send := func(frameType string, payload any) error {
		frame, err := protocol.Encode(frameType, payload)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	// Heartbeat loop
	var sessions int
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				active := sessions
				mu.Unlock()
				hb := &protocol.Heartbeat{
					ActiveSessions: active,
					Capacity:       &protocol.Capacity{MaxSessions: maxSessions},
				}
				if err := send(protocol.TypeHeartbeat, hb); err != nil {
					log.Printf("heartbeat error: %v", err)
					return
				}
			}
		}
	}()

	// Command loop
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Printf("bad frame: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			// keepalive, nothing to do

		case protocol.TypeShutdown:
			fmt.Fprintln(os.Stderr, "server shutting down")
			return nil

		case protocol.TypeCommand:
			var cmd protocol.Command
			if err := protocol.DecodePayload(env, &cmd); err != nil {
				log.Printf("bad command: %v", err)
				continue
			}
			log.Printf("received command [%s]: %s session=%s", cmd.CommandID, cmd.Action, cmd.SessionID)

			if failAll {
				if err := send(protocol.TypeFailed, &protocol.Failed{
					CommandID: cmd.CommandID,
					Error:     "rejected by fake agent",
				}); err != nil {
					log.Printf("send failed error: %v", err)
				}
				continue
			}

			if err := send(protocol.TypeAck, &protocol.Ack{CommandID: cmd.CommandID}); err != nil {
				log.Printf("send ack error: %v", err)
				continue
			}

			// Small delay to simulate provisioning work
			time.Sleep(50 * time.Millisecond)

			mu.Lock()
			switch cmd.Action {
			case protocol.ActionStartSession, protocol.ActionWakeSession:
				sessions++
			case protocol.ActionStopSession, protocol.ActionHibernateSession:
				if sessions > 0 {
					sessions--
				}
			}
			mu.Unlock()

			if err := send(protocol.TypeComplete, &protocol.Complete{
				CommandID: cmd.CommandID,
				Result:    map[string]string{"session_id": cmd.SessionID},
			}); err != nil {
				log.Printf("send complete error: %v", err)
			}

		default:
			log.Printf("unexpected frame type: %s", env.Type)
		}
	}
}
