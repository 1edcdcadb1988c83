package modem_test

import (
	context "context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"i4.energy/across/atlink/modem"
)

func TestSendSMS(t *testing.T) {
	// SendSMS runs the text mode submission in one session:
	//
	//  1. Write: AT+CMGF=1\r
	//  2. Write: AT+CMGS="+1234567890"\r
	//  3. Read:  "> " (wait for prompt)
	//  4. Write: "Hello World\x1a" (only after receiving prompt)
	//  5. Read:  "+CMGS: 123\r\nOK\r\n" (wait for confirmation)
	//
	// Each scripted Write queues the module's answer on link, so a response
	// can never be read before the write it answers.
	setup := func(t *testing.T, ctrl *gomock.Controller, script func(b *MockSequenceBuilder) *MockSequenceBuilder) (*modem.Client, chan []byte, chan error) {
		t.Helper()

		link := make(chan []byte, 16)
		mockTransport := modem.NewMockTransport(ctrl)
		linkReads(mockTransport, link)
		gomock.InOrder(slices.Concat(
			initMockCalls(mockTransport, link),
			script(NewMockSequence(mockTransport, link)).Build(),
		)...)
		mockTransport.EXPECT().Close().Return(nil)

		m := newMockClient(t, ctrl, mockTransport)
		loopDone := make(chan error, 1)
		go func() { loopDone <- m.Loop(context.Background()) }()

		if err := m.Init(context.Background()); err != nil {
			t.Fatalf("init: %v", err)
		}
		return m, link, loopDone
	}
	stop := func(m *modem.Client, link chan []byte, loopDone chan error) {
		close(link)
		<-loopDone
		m.Close()
	}

	t.Run("Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, link, loopDone := setup(t, ctrl, func(b *MockSequenceBuilder) *MockSequenceBuilder {
			return b.SMSTextMode().
				Reply(`AT+CMGS="+1234567890"`+"\r", "\r\n> ").
				Reply("Hello World\x1a", "\r\n+CMGS: 123\r\n\r\nOK\r\n")
		})
		defer stop(m, link, loopDone)

		ref, err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref != 123 {
			t.Errorf("expected message reference 123, got %d", ref)
		}
	})

	t.Run("Error on no prompt", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, link, loopDone := setup(t, ctrl, func(b *MockSequenceBuilder) *MockSequenceBuilder {
			return b.SMSTextMode().
				Reply(`AT+CMGS="+1234567890"`+"\r", "\r\nERROR\r\n")
		})
		defer stop(m, link, loopDone)

		_, err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if !errors.Is(err, modem.ErrNoPrompt) {
			t.Fatalf("expected ErrNoPrompt, got: %v", err)
		}
		if !errors.Is(err, modem.ErrLink) {
			t.Errorf("expected module error to be wrapped, got: %v", err)
		}
	})

	t.Run("Network rejection", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, link, loopDone := setup(t, ctrl, func(b *MockSequenceBuilder) *MockSequenceBuilder {
			return b.SMSTextMode().
				Reply(`AT+CMGS="+1234567890"`+"\r", "\r\n> ").
				Reply("Hello World\x1a", "\r\n+CMS ERROR: 500\r\n")
		})
		defer stop(m, link, loopDone)

		_, err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "+CMS ERROR: 500") {
			t.Errorf("expected CMS error in message, got: %v", err)
		}
		var linkErr *modem.LinkError
		if !errors.As(err, &linkErr) {
			t.Fatalf("expected *LinkError, got: %T", err)
		}
		if code, ok := linkErr.Code(); !ok || code != 500 {
			t.Errorf("expected code 500, got %d (%v)", code, ok)
		}
	})

	t.Run("Text mode refused", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, link, loopDone := setup(t, ctrl, func(b *MockSequenceBuilder) *MockSequenceBuilder {
			return b.Reply("AT+CMGF=1\r", "\r\n+CMS ERROR: 303\r\n")
		})
		defer stop(m, link, loopDone)

		_, err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if !errors.Is(err, modem.ErrLink) {
			t.Fatalf("expected module error, got: %v", err)
		}
	})

	t.Run("Link lost", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, _, loopDone := setup(t, ctrl, func(b *MockSequenceBuilder) *MockSequenceBuilder {
			return b.Hangup("AT+CMGF=1\r")
		})
		defer m.Close()

		_, err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got: %v", err)
		}
		<-loopDone
	})
}
