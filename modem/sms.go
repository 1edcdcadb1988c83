package modem

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/atlink/at"
)

// smsSendTimeout bounds the network submission after the text is written.
const smsSendTimeout = 60 * time.Second

// SendSMS sends a text message to the specified recipient and returns the
// message reference assigned by the network.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+1234567890").
//
// This method blocks until the message is accepted by the network or an error
// occurs. Network delivery (to the final recipient) happens asynchronously.
func (c *Client) SendSMS(ctx context.Context, recipient, message string) (int, error) {
	s, err := c.Lock(ctx)
	if err != nil {
		return 0, err
	}
	defer s.Unlock()

	if err := s.CommandStart(at.CmdSetTextMode); err != nil {
		return 0, err
	}
	if err := s.CommandStopReadResponse(); err != nil {
		return 0, fmt.Errorf("set SMS text mode: %w", err)
	}

	if err := s.CommandStart("+CMGS="); err != nil {
		return 0, err
	}
	if err := s.WriteQuoted(recipient); err != nil {
		return 0, err
	}
	if err := s.CommandStop(); err != nil {
		return 0, fmt.Errorf("AT+CMGS command failed: %w", err)
	}
	if err := s.WaitPrompt(); err != nil {
		return 0, fmt.Errorf("did not receive SMS prompt: %w", err)
	}

	// Now send the message body and wait for confirmation
	s.SetTimeout(max(c.config.atTimeout, smsSendTimeout))
	if err := s.WriteBytes([]byte(message + at.CtrlZ)); err != nil {
		return 0, fmt.Errorf("SMS send failed: %w", err)
	}
	if err := s.ResponseStart("+CMGS:"); err != nil {
		return 0, fmt.Errorf("SMS send failed: %w", err)
	}
	ref, err := s.ReadInt()
	if err != nil {
		s.ResponseStop()
		return 0, fmt.Errorf("read message reference: %w", err)
	}
	if err := s.ResponseStop(); err != nil {
		return 0, fmt.Errorf("SMS send failed: %w", err)
	}
	return ref, nil
}
