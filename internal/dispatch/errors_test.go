// ABOUTME: Tests for dispatch error kinds and errors.Is matching.
// ABOUTME: Ensures the same condition always surfaces the same stable kind.

package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := newError(KindQuotaExceeded, "user u has 5 active sessions (limit 5)", nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.NotErrorIs(t, err, ErrNoCapacity)
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := newError(KindPersistence, "creating session", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "persistence_failure")
	assert.Contains(t, err.Error(), "disk full")
}

func TestErrorSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("request failed: %w", newError(KindNoCapacity, "no agents available", nil))
	assert.ErrorIs(t, err, ErrNoCapacity)

	var derr *Error
	assert.ErrorAs(t, err, &derr)
	assert.Equal(t, KindNoCapacity, derr.Kind)
}
