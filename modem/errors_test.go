package modem_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"i4.energy/across/atlink/at"
	"i4.energy/across/atlink/modem"
)

func TestKindOf(t *testing.T) {
	linkErr := &modem.LinkError{Final: at.Final{Kind: at.FinalCME, Code: 10, HasCode: true}}

	tests := []struct {
		name string
		err  error
		want modem.ErrorKind
	}{
		{name: "success", err: nil, want: modem.KindNone},
		{name: "module error", err: linkErr, want: modem.KindLink},
		{name: "module error before response", err: fmt.Errorf("%w: %w", modem.ErrAborted, linkErr), want: modem.KindLink},
		{name: "deadline", err: modem.ErrTimeout, want: modem.KindTimeout},
		{name: "lock wait deadline", err: context.DeadlineExceeded, want: modem.KindTimeout},
		{name: "aborted by context deadline", err: fmt.Errorf("%w: %w", modem.ErrAborted, context.DeadlineExceeded), want: modem.KindAborted},
		{name: "cancelled", err: context.Canceled, want: modem.KindAborted},
		{name: "overflow", err: modem.ErrOverflow, want: modem.KindOverflow},
		{name: "line too long", err: modem.ErrLineTooLong, want: modem.KindOverflow},
		{name: "parse", err: fmt.Errorf("field: %w", modem.ErrParse), want: modem.KindParse},
		{name: "not locked", err: modem.ErrNotLocked, want: modem.KindNotLocked},
		{name: "invalid state", err: modem.ErrInvalidState, want: modem.KindNotLocked},
		{name: "transport", err: io.ErrClosedPipe, want: modem.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, modem.KindOf(tt.err))
		})
	}

	assert.True(t, errors.Is(linkErr, modem.ErrLink))
}
