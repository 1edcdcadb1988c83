package modem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/atlink/at"
)

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// Init performs the bring-up sequence: liveness check, echo mode, numeric
// extended errors and SIM unlock. Loop must be running.
func (c *Client) Init(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.config.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.initTimeout)
		defer cancel()
	}

	// 1. Wake-up / sanity check
	if _, err := c.Exec(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	echo := at.CmdEchoOff
	if c.config.echoOn {
		echo = at.CmdEchoOn
	}
	if _, err := c.Exec(ctx, echo); err != nil {
		return fmt.Errorf("could not set echo mode: %w", err)
	}
	c.echo.Store(c.config.echoOn)

	if _, err := c.Exec(ctx, at.CmdNumericErrors); err != nil {
		return fmt.Errorf("could not enable numeric errors: %w", err)
	}

	// 4. Check SIM status
	status, err := c.SIMStatus(ctx)
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch status {
	case at.SimReady:
		// OK

	case at.SimPin:
		if c.config.simPIN == "" {
			return ErrSIMPinRequired
		}
		if err := c.enterPIN(ctx, c.config.simPIN); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}

		// Wait until SIM becomes ready
		if err := c.waitForSIMReady(ctx, PollConfig{}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported SIM state: %q", status)
	}

	c.log.Info("modem initialized", zap.Bool("echo", c.config.echoOn))
	return nil
}

// SIMStatus returns the state reported by AT+CPIN?, e.g. "READY".
func (c *Client) SIMStatus(ctx context.Context) (string, error) {
	s, err := c.Lock(ctx)
	if err != nil {
		return "", err
	}
	defer s.Unlock()

	if err := s.CommandStart(at.CmdSimStatus); err != nil {
		return "", err
	}
	if err := s.CommandStop(); err != nil {
		return "", err
	}
	if err := s.ResponseStart("+CPIN:"); err != nil {
		return "", err
	}
	status, err := s.ReadString()
	if err != nil {
		return "", err
	}
	return status, s.ResponseStop()
}

func (c *Client) enterPIN(ctx context.Context, pin string) error {
	s, err := c.Lock(ctx)
	if err != nil {
		return err
	}
	defer s.Unlock()

	if err := s.CommandStart("+CPIN="); err != nil {
		return err
	}
	if err := s.WriteQuoted(pin); err != nil {
		return err
	}
	return s.CommandStopReadResponse()
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational. Uses configurable polling interval
// and retry limits to avoid infinite waiting.
func (c *Client) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			status, err := c.SIMStatus(ctx)
			if err != nil {
				// Fail fast on critical errors
				if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotLocked) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if status == at.SimReady {
				return nil
			}
		}
	}
}
