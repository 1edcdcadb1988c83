package modem

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Client states.
const (
	StateIdle             = "IDLE"
	StateLocked           = "LOCKED"
	StateCommandSent      = "COMMAND_SENT"
	StateAwaitingResponse = "AWAITING_RESPONSE"
	StateResolved         = "RESOLVED"
)

// stateMachine tracks where the lock holder is in a command exchange.
type stateMachine struct {
	fsm *fsm.FSM
	log *zap.Logger
}

func newStateMachine(log *zap.Logger) *stateMachine {
	sm := &stateMachine{log: log}
	sm.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "lock", Src: []string{StateIdle}, Dst: StateLocked},
			{Name: "rearm", Src: []string{StateResolved}, Dst: StateLocked},
			{Name: "send", Src: []string{StateLocked}, Dst: StateCommandSent},
			{Name: "await", Src: []string{StateCommandSent, StateAwaitingResponse}, Dst: StateAwaitingResponse},
			{Name: "resolve", Src: []string{StateCommandSent, StateAwaitingResponse}, Dst: StateResolved},
			{Name: "unlock", Src: []string{StateLocked, StateCommandSent, StateAwaitingResponse, StateResolved}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { sm.enterState(e) },
		},
	)
	return sm
}

func (sm *stateMachine) enterState(e *fsm.Event) {
	sm.log.Debug("state change", zap.String("event", e.Event), zap.String("from", e.Src), zap.String("to", e.Dst))
}

func (sm *stateMachine) current() string {
	return sm.fsm.Current()
}

// inFlight reports whether a command has been sent and not resolved.
func (sm *stateMachine) inFlight() bool {
	switch sm.fsm.Current() {
	case StateCommandSent, StateAwaitingResponse:
		return true
	}
	return false
}

// fire applies event. Staying in the current state is allowed; any other
// transition the current state does not permit is ErrInvalidState.
func (sm *stateMachine) fire(event string) error {
	err := sm.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidState, err)
}

func (sm *stateMachine) lock() error    { return sm.fire("lock") }
func (sm *stateMachine) rearm() error   { return sm.fire("rearm") }
func (sm *stateMachine) send() error    { return sm.fire("send") }
func (sm *stateMachine) await() error   { return sm.fire("await") }
func (sm *stateMachine) resolve() error { return sm.fire("resolve") }
func (sm *stateMachine) unlock() error  { return sm.fire("unlock") }
