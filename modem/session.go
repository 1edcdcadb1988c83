package modem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/atlink/at"
)

// Session is the exclusive right to talk to the module. It is obtained
// from Client.Lock and must be released with Unlock on every path.
//
// A Session is used by one goroutine; only Abort may be called from
// another.
//
//	s, err := c.Lock(ctx)
//	if err != nil { return err }
//	defer s.Unlock()
//
//	s.CommandStart("+CSQ")
//	s.CommandStop()
//	s.ResponseStart("+CSQ:")
//	rssi, _ := s.ReadInt()
//	return s.ResponseStop()
type Session struct {
	c   *Client
	ctx context.Context
	log *zap.Logger
	enc *at.Encoder

	timeout  time.Duration
	deadline time.Time
	sentAt   time.Time

	mu      sync.Mutex
	abortCh chan struct{}
	aborted bool

	building  bool // between CommandStart and CommandStop
	holdsScan bool

	echo     string
	awaiting string
	lines    []string
	err      error
	unlocked bool
}

// Lock blocks until the client is free or ctx is done. Cancelling ctx
// while holding the session aborts the command in flight.
func (c *Client) Lock(ctx context.Context) (*Session, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}

	if err := c.state.lock(); err != nil {
		<-c.lock
		return nil, err
	}
	id := c.sessions.Inc()
	return &Session{
		c:       c,
		ctx:     ctx,
		log:     c.log.With(zap.Uint64("session", id)),
		enc:     at.NewEncoder(c.config.delimiter),
		timeout: c.config.atTimeout,
		abortCh: make(chan struct{}),
	}, nil
}

// Unlock releases the client. A command still in flight is abandoned and
// the link resynchronised. It returns the outcome of the last command.
func (s *Session) Unlock() error {
	if s.unlocked {
		return ErrNotLocked
	}
	if s.building {
		s.building = false
		s.enc.Reset()
	}
	if s.inFlight() {
		s.resolve(ErrAborted)
	}
	s.releaseScan()

	s.unlocked = true
	if err := s.c.state.unlock(); err != nil {
		s.log.Warn("unlock", zap.Error(err))
	}
	<-s.c.lock
	s.c.wakeIdle()
	return s.err
}

func (s *Session) check() error {
	if s.unlocked {
		return ErrNotLocked
	}
	return nil
}

// inFlight reports whether this session's command is sent and unresolved.
func (s *Session) inFlight() bool {
	return !s.unlocked && s.c.state.inFlight()
}

// CommandStart begins a command. name is the command without parameters,
// e.g. "+CMGS="; "AT" is prepended unless present.
func (s *Session) CommandStart(name string) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.inFlight() {
		return ErrCommandInFlight
	}

	if !s.holdsScan {
		s.c.scanMu.Lock()
		s.holdsScan = true
	}
	if s.c.resync.Swap(false) {
		if n := s.c.scan.flush(); n > 0 {
			s.log.Debug("resync discarded stale input", zap.Int("bytes", n))
		}
	}
	if s.c.state.current() == StateResolved {
		if err := s.c.state.rearm(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.aborted {
		s.abortCh = make(chan struct{})
		s.aborted = false
	}
	s.mu.Unlock()

	s.enc.Start(name)
	s.building = true
	s.lines = nil
	s.err = nil
	return nil
}

func (s *Session) writable() error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.building {
		return ErrNoCommand
	}
	return nil
}

func (s *Session) WriteInt(v int) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.enc.AppendInt(int64(v))
	return nil
}

// WriteString appends an unquoted parameter.
func (s *Session) WriteString(v string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.enc.AppendString(v)
	return nil
}

// WriteQuoted appends a quoted, escaped string parameter.
func (s *Session) WriteQuoted(v string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.enc.AppendQuoted(v)
	return nil
}

func (s *Session) WriteHex(b []byte) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.enc.AppendHex(b)
	return nil
}

// WriteBytes sends b verbatim. Before CommandStop the bytes become part of
// the command line; afterwards, typically following WaitPrompt, they are
// written to the link immediately.
func (s *Session) WriteBytes(b []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.building {
		s.enc.AppendRaw(b)
		return nil
	}
	if !s.inFlight() {
		return ErrNoCommand
	}
	if _, err := s.c.transport.Write(b); err != nil {
		return s.fail(fmt.Errorf("write data: %w", err))
	}
	s.log.Debug("tx raw", zap.Int("bytes", len(b)))
	return nil
}

// CommandStop terminates the command line, writes it in one piece and
// arms the command deadline.
func (s *Session) CommandStop() error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.c.state.send(); err != nil {
		return err
	}
	s.building = false
	s.echo = string(s.enc.Bytes())
	line := s.enc.Line(s.c.config.terminator)

	s.sentAt = time.Now()
	s.deadline = s.sentAt.Add(s.timeout)

	if _, err := s.c.transport.Write(line); err != nil {
		return s.fail(fmt.Errorf("write command %q: %w", s.echo, err))
	}
	s.log.Debug("tx", zap.String("cmd", s.echo))
	return nil
}

// CommandStopReadResponse sends the command and waits for its final
// result. Information lines are available from Lines.
func (s *Session) CommandStopReadResponse() error {
	if err := s.CommandStop(); err != nil {
		return err
	}
	return s.ResponseStop()
}

// SetTimeout changes the deadline of later commands in this session. A
// command in flight gets a fresh deadline counted from now.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
	if s.inFlight() {
		s.deadline = time.Now().Add(d)
	}
}

// Abort abandons the command in flight. It may be called from any
// goroutine.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		close(s.abortCh)
	}
}

func (s *Session) abortChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortCh
}

// Err returns the outcome of the last command: nil, a *LinkError, or one
// of ErrTimeout, ErrOverflow, ErrAborted and transport errors.
func (s *Session) Err() error {
	return s.err
}

// Lines returns the information lines of the last command that were not
// consumed through ResponseStart.
func (s *Session) Lines() []string {
	return append([]string(nil), s.lines...)
}

// ResponseStart waits for the response line starting with prefix and
// positions the field reader after it. An empty prefix selects the next
// information line.
//
// A final OK arriving first yields ErrEndOfResponse. An error result
// yields ErrAborted joined with the *LinkError.
func (s *Session) ResponseStart(prefix string) error {
	if err := s.pending(); err != nil {
		return err
	}
	if err := s.closeLine(); err != nil {
		return err
	}

	s.awaiting = prefix
	if err := s.c.state.await(); err != nil {
		return err
	}
	return s.wait(func() (bool, error) {
		for {
			s.c.scan.skipLead()
			if prefix != "" && s.c.scan.hasPrefix(prefix) {
				s.c.scan.consume(len(prefix))
				s.c.scan.openField()
				return true, nil
			}
			if prefix == "" {
				token, advance, err := s.c.scan.peek(at.ScanLines)
				if err != nil {
					return false, err
				}
				if advance > 0 && len(token) > 0 &&
					s.c.classifier(s.echo, "").Classify(token).Kind == at.EventInformation {
					s.c.scan.openField()
					return true, nil
				}
			}

			ev, ok, relevant, err := s.step()
			if err != nil || !ok {
				return false, err
			}
			if !relevant {
				continue
			}
			if ev.Kind == at.EventFinal {
				s.finish(ev.Final)
				if s.err == nil {
					return false, ErrEndOfResponse
				}
				return false, fmt.Errorf("%w: %w", ErrAborted, s.err)
			}
			s.lines = append(s.lines, string(ev.Line))
		}
	})
}

// pending reports why no response can be read, if that is the case.
func (s *Session) pending() error {
	if err := s.check(); err != nil {
		return err
	}
	switch {
	case s.inFlight():
		return nil
	case s.building, s.sentAt.IsZero():
		return ErrNoCommand
	case s.err != nil:
		return s.err
	}
	return ErrEndOfResponse
}

// ResponseStop skips the rest of the response through the final result
// and returns the command outcome. Unread fields are ignored.
func (s *Session) ResponseStop() error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.inFlight() {
		if s.building {
			return ErrNoCommand
		}
		return s.err
	}
	if err := s.closeLine(); err != nil {
		return err
	}

	s.awaiting = ""
	if err := s.c.state.await(); err != nil {
		return err
	}
	err := s.wait(func() (bool, error) {
		for {
			s.c.scan.skipLead()
			ev, ok, relevant, err := s.step()
			if err != nil || !ok {
				return false, err
			}
			if !relevant {
				continue
			}
			if ev.Kind == at.EventFinal {
				s.finish(ev.Final)
				return true, nil
			}
			s.lines = append(s.lines, string(ev.Line))
		}
	})
	if err != nil {
		return err
	}
	return s.err
}

// WaitPrompt waits for the "> " data prompt that follows commands taking
// a raw payload. A final result instead yields ErrNoPrompt.
func (s *Session) WaitPrompt() error {
	if err := s.pending(); err != nil {
		return err
	}
	if err := s.closeLine(); err != nil {
		return err
	}

	if err := s.c.state.await(); err != nil {
		return err
	}
	return s.wait(func() (bool, error) {
		for {
			token, advance, err := s.c.scan.peek(at.Splitter)
			if err != nil {
				return false, err
			}
			if advance > 0 && string(token) == at.Prompt {
				s.c.scan.consume(advance)
				return true, nil
			}
			if advance == 0 && s.c.scan.hasPrefix(">") {
				// Bare prompt; a following space is skipped later.
				s.c.scan.consume(1)
				s.c.scan.lead = true
				return true, nil
			}

			ev, ok, relevant, err := s.step()
			if err != nil || !ok {
				return false, err
			}
			if !relevant {
				continue
			}
			if ev.Kind == at.EventFinal {
				s.finish(ev.Final)
				if s.err == nil {
					return false, ErrNoPrompt
				}
				return false, fmt.Errorf("%w: %w", ErrNoPrompt, s.err)
			}
			s.lines = append(s.lines, string(ev.Line))
		}
	})
}

func (s *Session) ReadInt() (int, error) {
	var v int
	err := s.readField(func(d *at.Decoder) (err error) {
		v, err = d.ReadInt()
		return err
	})
	return v, err
}

// ReadString reads the next field as text, unquoting it if quoted.
func (s *Session) ReadString() (string, error) {
	var v string
	err := s.readField(func(d *at.Decoder) (err error) {
		v, err = d.ReadString()
		return err
	})
	return v, err
}

// ReadQuoted reads the next field, which must be a quoted string.
func (s *Session) ReadQuoted() (string, error) {
	var v string
	err := s.readField(func(d *at.Decoder) (err error) {
		v, err = d.ReadQuoted()
		return err
	})
	return v, err
}

func (s *Session) ReadHex() ([]byte, error) {
	var v []byte
	err := s.readField(func(d *at.Decoder) (err error) {
		v, err = d.ReadHex()
		return err
	})
	return v, err
}

// Skip ignores the next field.
func (s *Session) Skip() error {
	return s.readField(func(d *at.Decoder) error {
		return d.Skip()
	})
}

func (s *Session) readField(read func(d *at.Decoder) error) error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.positioned() {
		return ErrEndOfResponse
	}
	delim := s.c.config.delimiter
	return s.wait(func() (bool, error) {
		scan := s.c.scan
		if !scan.skipTrailing(delim) {
			return false, nil
		}
		scan.skipLead()
		view, complete := scan.view()
		if !complete && !at.FieldComplete(view, delim) {
			if scan.full() {
				return false, ErrLineTooLong
			}
			return false, nil
		}

		d := at.NewDecoder(view, delim)
		if err := read(d); err != nil {
			return false, err
		}
		scan.consume(d.Pos())
		return true, nil
	})
}

// positioned reports whether the cursor is inside a response line. The
// scanner is only consulted while this session owns it.
func (s *Session) positioned() bool {
	return s.holdsScan && s.c.scan.mode == scanField
}

// rawStart validates a declared raw length before anything is consumed.
func (s *Session) rawStart(n int) error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.positioned() {
		return ErrEndOfResponse
	}
	if n < 0 || n > s.c.config.maxRawLength {
		return fmt.Errorf("%w: raw length %d out of range", ErrParse, n)
	}
	return nil
}

// ReadBytes reads exactly n raw bytes of the response. Line terminator
// bytes inside the block are data.
func (s *Session) ReadBytes(n int) ([]byte, error) {
	if err := s.rawStart(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	got := 0
	err := s.wait(func() (bool, error) {
		scan := s.c.scan
		if scan.mode == scanField {
			if !s.rawReady() {
				return false, nil
			}
			scan.beginRaw(n)
		}
		got += scan.raw(out[got:])
		return got == n, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadQuotedBytes reads n raw bytes enclosed in double quotes. Only a
// missing opening quote leaves the cursor unchanged.
func (s *Session) ReadQuotedBytes(n int) ([]byte, error) {
	if err := s.rawStart(n); err != nil {
		return nil, err
	}
	const (
		opening = iota
		content
		closing
	)
	stage := opening
	out := make([]byte, n)
	got := 0
	err := s.wait(func() (bool, error) {
		scan := s.c.scan
		if stage == opening {
			if !s.rawReady() {
				return false, nil
			}
			if scan.buf[0] != '"' {
				return false, fmt.Errorf("%w: expected quoted data", ErrParse)
			}
			scan.consume(1)
			scan.beginRaw(n)
			stage = content
		}
		if stage == content {
			got += scan.raw(out[got:])
			if scan.mode == scanRaw {
				return false, nil
			}
			stage = closing
		}
		if len(scan.buf) == 0 {
			return false, nil
		}
		if scan.buf[0] != '"' {
			return false, fmt.Errorf("%w: quoted data longer than %d bytes", ErrParse, n)
		}
		scan.consume(1)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rawReady steps over a delimiter left by a previous raw read and any
// leading spaces. It reports whether the first data byte is buffered.
func (s *Session) rawReady() bool {
	scan := s.c.scan
	if !scan.skipTrailing(s.c.config.delimiter) {
		return false
	}
	scan.skipLead()
	return !scan.lead && len(scan.buf) > 0
}

// closeLine discards the unread rest of the current response line.
func (s *Session) closeLine() error {
	if s.c.scan.mode == scanLine {
		return nil
	}
	return s.wait(func() (bool, error) {
		return s.c.scan.closeLine(), nil
	})
}

// step consumes one complete line. Blank lines and echoes are dropped
// and URCs are queued for dispatch; relevant is false for those.
func (s *Session) step() (ev at.Event, ok, relevant bool, err error) {
	line, ok, err := s.c.scan.line()
	if err != nil || !ok {
		return at.Event{}, false, false, err
	}
	if len(line) == 0 {
		return at.Event{}, true, false, nil
	}

	ev = s.c.classifier(s.echo, s.awaiting).Classify(line)
	switch ev.Kind {
	case at.EventEcho:
		s.echo = ""
		return ev, true, false, nil
	case at.EventURC:
		s.c.dispatch.push(ev, s.c.config.delimiter)
		return ev, true, false, nil
	}
	s.log.Debug("rx", zap.ByteString("line", line), zap.Stringer("kind", ev.Kind))
	return ev, true, true, nil
}

func (s *Session) finish(f at.Final) {
	switch f.Kind {
	case at.FinalOK:
		s.resolve(nil)
	case at.FinalAborted:
		s.resolve(fmt.Errorf("%w: module reported %s", ErrAborted, at.Aborted))
	default:
		s.resolve(&LinkError{Final: f})
	}
}

// wait runs try until it reports done, fails, or the command resolves,
// sleeping on new input in between. Timeout, abort, overflow and loss of
// the link resolve the command.
func (s *Session) wait(try func() (bool, error)) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	stopped, _ := s.c.loopStopped()

	for {
		select {
		case <-s.abortChan():
			return s.fail(ErrAborted)
		default:
		}

		changed := s.c.rx.Changed()
		if err := s.c.scan.fill(); err != nil {
			return s.fail(err)
		}
		done, err := try()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				return s.fail(err)
			}
			return err
		}
		if done || !s.inFlight() {
			return nil
		}

		remaining := time.Until(s.deadline)
		if remaining <= 0 {
			return s.fail(ErrTimeout)
		}
		// The ring only signals new writes; bytes left behind by a full
		// scanner are taken without waiting.
		if s.c.scan.starved() {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(remaining)
		} else {
			timer.Reset(remaining)
		}

		select {
		case <-changed:
		case <-timer.C:
		case <-s.abortChan():
			return s.fail(ErrAborted)
		case <-s.ctx.Done():
			return s.fail(fmt.Errorf("%w: %w", ErrAborted, s.ctx.Err()))
		case <-s.c.done:
			return s.fail(ErrClosed)
		case <-stopped:
			_, err := s.c.loopStopped()
			return s.fail(fmt.Errorf("modem loop stopped: %w", err))
		}
	}
}

func (s *Session) fail(err error) error {
	s.resolve(err)
	return err
}

// resolve records the command outcome and hands the scanner back to the
// idle loop. Failures other than a module error leave the link in an
// unknown position, so buffered input is dropped and the next command
// resynchronises.
func (s *Session) resolve(err error) {
	if !s.inFlight() {
		return
	}
	if serr := s.c.state.resolve(); serr != nil {
		s.log.Warn("resolve", zap.Error(serr))
	}
	s.awaiting = ""
	s.err = err
	s.c.lastErr.Store(err)
	s.c.metrics.observeCommand(err, time.Since(s.sentAt))

	switch kind := KindOf(err); kind {
	case KindNone, KindLink:
	default:
		if kind == KindAborted {
			s.lines = nil
		}
		n := s.c.scan.flush()
		s.c.resync.Store(true)
		s.log.Warn("command failed", zap.String("cmd", s.echo), zap.Int("discarded", n), zap.Error(err))
	}
	s.releaseScan()
}

func (s *Session) releaseScan() {
	if !s.holdsScan {
		return
	}
	s.holdsScan = false
	s.c.scanMu.Unlock()
	s.c.wakeIdle()
}
