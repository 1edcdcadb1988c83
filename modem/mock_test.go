package modem_test

import (
	"io"

	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/atlink/modem"
)

// MockSequenceBuilder scripts an exchange on a MockTransport. Every
// expected Write queues the scripted answer on link, which the receiver
// goroutine drains through linkReads.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	link      chan []byte
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport, link chan []byte) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		link:      link,
		calls:     []any{},
	}
}

// Reply expects cmd to be written and answers it with resp.
func (b *MockSequenceBuilder) Reply(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).DoAndReturn(func(p []byte) (int, error) {
			if resp != "" {
				b.link <- []byte(resp)
			}
			return len(p), nil
		}),
	)
	return b
}

// Hangup expects cmd to be written and then ends the link.
func (b *MockSequenceBuilder) Hangup(cmd string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).DoAndReturn(func(p []byte) (int, error) {
			close(b.link)
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.Reply("AT\r", "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.Reply("ATE0\r", "ATE0\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) NumericErrors() *MockSequenceBuilder {
	return b.Reply("AT+CMEE=1\r", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.Reply("AT+CPIN?\r", "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.Reply("AT+CPIN?\r", "\r\n+CPIN: READY\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EnterPIN(pin string) *MockSequenceBuilder {
	return b.Reply(`AT+CPIN="`+pin+`"`+"\r", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SMSTextMode() *MockSequenceBuilder {
	return b.Reply("AT+CMGF=1\r", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls is the bring-up exchange of a module with a ready SIM.
func initMockCalls(transport *modem.MockTransport, link chan []byte) []any {
	return NewMockSequence(transport, link).
		AT().
		EchoOff().
		NumericErrors().
		SimReady().
		Build()
}

// linkReads lets the receiver read whatever the scripted writes queue.
// Closing link ends the stream with io.EOF.
func linkReads(transport *modem.MockTransport, link chan []byte) *gomock.Call {
	var pending []byte
	return transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		if len(pending) == 0 {
			data, ok := <-link
			if !ok {
				return 0, io.EOF
			}
			pending = data
		}
		n := copy(p, pending)
		pending = pending[n:]
		return n, nil
	}).AnyTimes()
}
