package modem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateMachine(t *testing.T) {
	t.Run("command cycle", func(t *testing.T) {
		sm := newStateMachine(zap.NewNop())
		assert.Equal(t, StateIdle, sm.current())

		require.NoError(t, sm.lock())
		require.NoError(t, sm.send())
		assert.True(t, sm.inFlight())
		require.NoError(t, sm.await())
		require.NoError(t, sm.await(), "awaiting a second response line")
		require.NoError(t, sm.resolve())
		assert.False(t, sm.inFlight())
		require.NoError(t, sm.rearm())
		assert.Equal(t, StateLocked, sm.current())
		require.NoError(t, sm.unlock())
		assert.Equal(t, StateIdle, sm.current())
	})

	tests := []struct {
		name  string
		setup []string
		event func(sm *stateMachine) error
	}{
		{name: "send without lock", event: (*stateMachine).send},
		{name: "await without command", setup: []string{"lock"}, event: (*stateMachine).await},
		{name: "resolve without command", setup: []string{"lock"}, event: (*stateMachine).resolve},
		{name: "second lock", setup: []string{"lock"}, event: (*stateMachine).lock},
		{name: "send twice", setup: []string{"lock", "send"}, event: (*stateMachine).send},
		{name: "unlock while idle", event: (*stateMachine).unlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newStateMachine(zap.NewNop())
			for _, e := range tt.setup {
				require.NoError(t, sm.fire(e))
			}
			before := sm.current()

			err := tt.event(sm)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Equal(t, before, sm.current())
			assert.Equal(t, KindNotLocked, KindOf(err))
		})
	}
}
