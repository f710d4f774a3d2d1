package task

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to v1.TaskState
		want     bool
	}{
		{v1.TaskStatePending, v1.TaskStateScheduled, true},
		{v1.TaskStateScheduled, v1.TaskStateRunning, true},
		{v1.TaskStateRunning, v1.TaskStateCompleted, true},
		{v1.TaskStateRunning, v1.TaskStateFailed, true},
		{v1.TaskStateRunning, v1.TaskStateRetrying, true},
		{v1.TaskStateRetrying, v1.TaskStatePending, true},

		{v1.TaskStatePending, v1.TaskStateRunning, false},
		{v1.TaskStatePending, v1.TaskStateCompleted, false},
		{v1.TaskStateScheduled, v1.TaskStateCompleted, false},
		{v1.TaskStateRetrying, v1.TaskStateRunning, false},

		// Cancellation and skipping are legal from any non-terminal state.
		{v1.TaskStatePending, v1.TaskStateCancelled, true},
		{v1.TaskStateRunning, v1.TaskStateCancelled, true},
		{v1.TaskStatePending, v1.TaskStateSkipped, true},

		// Terminal states never transition.
		{v1.TaskStateCompleted, v1.TaskStateRunning, false},
		{v1.TaskStateFailed, v1.TaskStatePending, false},
		{v1.TaskStateCancelled, v1.TaskStateCancelled, false},
		{v1.TaskStateSkipped, v1.TaskStateCancelled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestValidateCommand(t *testing.T) {
	require.NoError(t, ValidateCommand("shell", "make test"))
	require.NoError(t, ValidateCommand("prompt", "review this diff"))
	require.NoError(t, ValidateCommand("", "ls"), "empty kind falls back to shell")

	err := ValidateCommand("spell", "abracadabra")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))

	err = ValidateCommand("shell", "   \n\t")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestPayloadLines(t *testing.T) {
	lines, err := PayloadLines(&v1.Task{Kind: "shell", Command: "make build\nmake test\n"})
	require.NoError(t, err)
	assert.Equal(t, []string{"make build", "make test"}, lines)

	lines, err = PayloadLines(&v1.Task{Command: "echo one"})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo one"}, lines)

	_, err = PayloadLines(&v1.Task{Kind: "spell", Command: "x"})
	require.Error(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "deploy", Describe(&v1.Task{Name: "deploy", Command: "kubectl apply"}))
	assert.Equal(t, "ls", Describe(&v1.Task{Command: "ls"}))

	long := Describe(&v1.Task{Command: "echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	assert.Less(t, len([]rune(long)), 45)
}

func TestErrorRetriable(t *testing.T) {
	assert.True(t, NewError(KindTransient, "op", nil).Retriable())
	assert.True(t, NewError(KindTimeout, "op", nil).Retriable())
	assert.False(t, NewError(KindValidation, "op", nil).Retriable())
	assert.False(t, NewError(KindProtocol, "op", nil).Retriable())
	assert.False(t, NewError(KindAgentOffline, "op", nil).Retriable())
	assert.False(t, NewError(KindInternal, "op", nil).Retriable())
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(KindTransient, "kv.set", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("outer: %w", err)))
	assert.Contains(t, err.Error(), "kv.set")
	assert.Contains(t, err.Error(), "disk full")

	// Unclassified errors default to internal.
	assert.Equal(t, KindInternal, KindOf(cause))
	assert.False(t, IsKind(cause, KindTransient))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "circuit_open", KindCircuitOpen.String())
	assert.Equal(t, "unknown", ErrorKind(99).String())
}
