package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"i4.energy/across/atlink/at"
)

// Client drives one radio module over an AT command link.
//
// Commands are issued through a Session obtained from Lock; only one
// session exists at a time. Loop must be running for responses and URCs
// to be received.
type Client struct {
	transport Transport
	config    Config
	log       *zap.Logger
	metrics   *Metrics

	rx    *ring
	scan  *scanner
	state *stateMachine

	// scanMu owns scan. The idle scanner holds it briefly; a session holds
	// it from CommandStart until the command resolves.
	scanMu sync.Mutex
	// lock admits one Session at a time.
	lock chan struct{}

	urcs     *urcRegistry
	dispatch *dispatcher

	closed      atomic.Bool
	loopRunning atomic.Bool
	resync      atomic.Bool
	echo        atomic.Bool
	lastErr     atomic.Error
	sessions    atomic.Uint64

	done chan struct{}
	poke chan struct{}

	loopMu  sync.Mutex
	stopped chan struct{}
	stopErr error
}

// New creates a Client with the given configuration and establishes the
// transport connection. It does not talk to the module: start Loop and
// call Init to bring the module up.
func New(ctx context.Context, config Config) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	var metrics *Metrics
	if config.registerer != nil {
		if metrics, err = NewMetrics(config.registerer); err != nil {
			transport.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	log := config.logger
	rx := newRing(config.rxBufferSize)
	urcs := &urcRegistry{}
	c := &Client{
		transport: transport,
		config:    config,
		log:       log,
		metrics:   metrics,
		rx:        rx,
		scan:      newScanner(rx, config.maxLineLength),
		state:     newStateMachine(log),
		lock:      make(chan struct{}, 1),
		urcs:      urcs,
		dispatch:  newDispatcher(urcs, config.urcQueueSize, log, metrics),
		done:      make(chan struct{}),
		poke:      make(chan struct{}, 1),
	}
	// Echo state is unknown until Init; exact echoes are harmless to drop.
	c.echo.Store(true)
	return c, nil
}

// Loop runs the receiver, the idle scanner and the URC dispatcher until
// ctx is cancelled, the client is closed or the transport fails. It must
// be running for any command to complete.
//
// Usage:
//
//	c, err := New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go c.Loop(ctx)
//
//	// Now sessions and Exec calls will work
//	lines, err := c.Exec(ctx, "AT+CSQ")
func (c *Client) Loop(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer c.loopRunning.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	c.loopMu.Lock()
	c.stopped = stopped
	c.stopErr = nil
	c.loopMu.Unlock()

	rxErr := make(chan error, 1)
	go c.receive(ctx, rxErr)
	go c.dispatch.run(ctx)

	ticker := time.NewTicker(c.config.scanInterval)
	defer ticker.Stop()

	var err error
	for err == nil {
		changed := c.rx.Changed()
		c.scanIdle()

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-c.done:
			err = ErrClosed
		case rerr := <-rxErr:
			c.scanIdle()
			if errors.Is(rerr, io.EOF) {
				err = io.EOF
			} else {
				err = fmt.Errorf("scanner error: %w", rerr)
			}
		case <-changed:
		case <-c.poke:
		case <-ticker.C:
		}
	}

	c.log.Info("modem loop stopped", zap.Error(err))
	c.loopMu.Lock()
	c.stopErr = err
	c.loopMu.Unlock()
	close(stopped)
	return err
}

// receive copies transport input into the ring until Read fails. It
// reads no more than the ring can hold, leaving the rest in the
// transport until the scanner catches up.
func (c *Client) receive(ctx context.Context, errs chan<- error) {
	chunk := make([]byte, min(c.config.rxBufferSize, 512))
	for {
		size, ok := c.awaitSpace(ctx, len(chunk))
		if !ok {
			return
		}
		n, err := c.transport.Read(chunk[:size])
		if n > 0 {
			c.metrics.received(n)
			if stored := c.rx.Write(chunk[:n]); stored < n {
				c.metrics.overflow()
				c.log.Warn("receive buffer full, dropping input", zap.Int("dropped", n-stored))
			}
		}
		if err != nil {
			errs <- err
			return
		}
		if ctx.Err() != nil {
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.scanInterval):
			}
		}
	}
}

// awaitSpace blocks until the ring has room and returns how much to read.
// A ring that stays full for the AT timeout has no consumer; a whole
// chunk is read then, so the loss shows up as an overflow.
func (c *Client) awaitSpace(ctx context.Context, chunk int) (int, bool) {
	var stall *time.Timer
	defer func() {
		if stall != nil {
			stall.Stop()
		}
	}()

	for {
		space := c.rx.Space()
		if free := c.rx.Free(); free > 0 {
			return min(free, chunk), true
		}
		if stall == nil {
			stall = time.NewTimer(c.config.atTimeout)
		}
		select {
		case <-space:
		case <-stall.C:
			return chunk, true
		case <-ctx.Done():
			return 0, false
		}
	}
}

// scanIdle handles input that arrives while no command is in flight:
// URCs are queued for dispatch, anything else is noise.
func (c *Client) scanIdle() {
	if !c.scanMu.TryLock() {
		return
	}
	defer c.scanMu.Unlock()

	if err := c.scan.fill(); err != nil {
		n := c.scan.flush()
		c.log.Warn("receive overflow while idle", zap.Int("discarded", n))
		return
	}

	classifier := c.classifier("", "")
	for {
		line, ok, err := c.scan.line()
		if err != nil {
			n := c.scan.flush()
			c.log.Warn("discarding oversized line", zap.Int("discarded", n), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if len(line) == 0 {
			continue
		}
		ev := classifier.Classify(line)
		if ev.Kind == at.EventURC {
			c.dispatch.push(ev, c.config.delimiter)
			continue
		}
		c.log.Debug("discarding unsolicited line", zap.ByteString("line", line))
	}
}

func (c *Client) classifier(echo, awaiting string) at.Classifier {
	if !c.echo.Load() {
		echo = ""
	}
	return at.Classifier{Echo: echo, Awaiting: awaiting, URC: c.urcs.match}
}

// wakeIdle lets the idle scanner look at input held back during a session.
func (c *Client) wakeIdle() {
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

// loopStopped returns a channel closed when the running Loop exits, and
// the error it exited with. Before the first Loop the channel is nil.
func (c *Client) loopStopped() (<-chan struct{}, error) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	return c.stopped, c.stopErr
}

// Close shuts down the client and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the client as closed. After calling Close(), the client cannot be reused.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrAlreadyClosed
	}
	close(c.done)
	return c.transport.Close()
}

// Exec runs a complete command line such as "AT+CSQ" and returns the
// information lines of its response. A timed out command is retried up
// to the configured number of retries.
func (c *Client) Exec(ctx context.Context, cmd string) ([]string, error) {
	var (
		lines []string
		err   error
	)
	for attempt := 0; ; attempt++ {
		lines, err = c.execOnce(ctx, cmd)
		if !errors.Is(err, ErrTimeout) || attempt >= c.config.maxRetries {
			return lines, err
		}
		c.log.Debug("retrying command", zap.String("cmd", cmd), zap.Int("attempt", attempt+1))
	}
}

func (c *Client) execOnce(ctx context.Context, cmd string) ([]string, error) {
	s, err := c.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Unlock()

	if err := s.CommandStart(cmd); err != nil {
		return nil, err
	}
	err = s.CommandStopReadResponse()
	return s.Lines(), err
}

// LastError returns the outcome of the most recent command.
func (c *Client) LastError() error {
	return c.lastErr.Load()
}

// State returns the current state of the command exchange.
func (c *Client) State() string {
	return c.state.current()
}

// SetURCHandler registers h for lines starting with prefix. Registration
// order is match priority. maxParamBytes, when positive, bounds the
// payload handed to h.
func (c *Client) SetURCHandler(prefix string, h URCHandler, maxParamBytes int) error {
	if prefix == "" || h == nil {
		return errors.New("URC prefix and handler are required")
	}
	return c.urcs.add(urcEntry{prefix: prefix, handler: h, maxParamBytes: maxParamBytes})
}

// RemoveURCHandler unregisters prefix. URCs already queued for it are
// discarded.
func (c *Client) RemoveURCHandler(prefix string) {
	c.urcs.remove(prefix)
}

// URCDropped is the number of URCs lost to a full dispatch queue.
func (c *Client) URCDropped() uint64 {
	return c.dispatch.dropped.Load()
}
