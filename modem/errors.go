package modem

import (
	"context"
	"errors"
	"fmt"

	"i4.energy/across/atlink/at"
)

var (
	// ErrNoDialer is returned when a Client is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the module.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a
	// Client whose dialer produced no transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Client that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("modem closed")

	// ErrLoopRunning is returned when Loop is called while another Loop is
	// still running on the same Client.
	ErrLoopRunning = errors.New("loop already running")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrTimeout is returned when a command's deadline elapses before its
	// final result arrives.
	ErrTimeout = errors.New("command timeout")

	// ErrOverflow is returned when the receive buffer saturated while a
	// command was in flight. The response data is incomplete.
	ErrOverflow = errors.New("receive buffer overflow")

	// ErrAborted is returned when a command is abandoned, either by the
	// caller or because the module reported an error result before the
	// awaited response.
	ErrAborted = errors.New("command aborted")

	// ErrNotLocked is returned by Session methods called after Unlock.
	ErrNotLocked = errors.New("client not locked")

	// ErrNoCommand is returned when a parameter is written or a command is
	// stopped without a preceding CommandStart.
	ErrNoCommand = errors.New("no command started")

	// ErrCommandInFlight is returned by CommandStart while the previous
	// command in the same session is still unresolved.
	ErrCommandInFlight = errors.New("command still in flight")

	// ErrInvalidState is returned when an operation does not fit the
	// current state of the command exchange.
	ErrInvalidState = errors.New("invalid client state")

	// ErrNoPrompt is returned when the module answers a data command with a
	// final result instead of the "> " prompt.
	ErrNoPrompt = errors.New("no data prompt")

	// ErrURCExists is returned when a handler is already registered for a
	// URC prefix.
	ErrURCExists = errors.New("URC handler already registered")

	// ErrLink matches every LinkError.
	ErrLink = errors.New("module reported error")

	// ErrParse and ErrEndOfResponse are returned by response field reads.
	ErrParse         = at.ErrParse
	ErrEndOfResponse = at.ErrEndOfResponse
)

// LinkError is the outcome of a command the module answered with ERROR,
// +CME ERROR or +CMS ERROR.
type LinkError struct {
	Final at.Final
}

func (e *LinkError) Error() string {
	switch {
	case e.Final.HasCode:
		return fmt.Sprintf("%s %d", e.Final.Kind, e.Final.Code)
	case e.Final.Text != "":
		return fmt.Sprintf("%s %s", e.Final.Kind, e.Final.Text)
	}
	return e.Final.Kind.String()
}

func (e *LinkError) Unwrap() error {
	return ErrLink
}

// Code returns the numeric extended error, if the module sent one.
func (e *LinkError) Code() (int, bool) {
	return e.Final.Code, e.Final.HasCode
}

// ErrorKind classifies a command outcome.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTimeout
	KindLink
	KindOverflow
	KindParse
	KindAborted
	KindNotLocked
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindLink:
		return "link"
	case KindOverflow:
		return "overflow"
	case KindParse:
		return "parse"
	case KindAborted:
		return "aborted"
	case KindNotLocked:
		return "not_locked"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// KindOf maps err onto the error taxonomy. A module error reported before
// the awaited response counts as a link error, and an abort counts as
// aborted even when a context deadline caused it.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrLink):
		return KindLink
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrOverflow), errors.Is(err, ErrLineTooLong):
		return KindOverflow
	case errors.Is(err, ErrParse), errors.Is(err, ErrEndOfResponse):
		return KindParse
	case errors.Is(err, ErrNotLocked), errors.Is(err, ErrNoCommand), errors.Is(err, ErrInvalidState):
		return KindNotLocked
	}
	return KindTransport
}
