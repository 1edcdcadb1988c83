package modem

import (
	"bufio"
	"bytes"

	"i4.energy/across/atlink/at"
)

// scanMode is the classification state of the receive stream.
type scanMode int

const (
	// scanLine waits for complete lines and classifies them.
	scanLine scanMode = iota
	// scanField decodes fields of a matched response line.
	scanField
	// scanRaw passes a declared number of bytes through untouched.
	scanRaw
)

func (m scanMode) String() string {
	switch m {
	case scanLine:
		return "line"
	case scanField:
		return "field"
	case scanRaw:
		return "raw"
	}
	return "unknown"
}

// scanner holds bytes pulled from the ring until they form a complete
// unit. It is not safe for concurrent use; the Client serialises access.
//
// Line operations are valid in scanLine, field operations in scanField
// and raw reads in scanRaw. openField, beginRaw, closeLine and flush are
// the only transitions.
type scanner struct {
	rx   *ring
	buf  []byte
	max  int
	mode scanMode

	// remaining counts the bytes left in the current raw segment.
	remaining int
	// lead: spaces before the next field are not content.
	lead bool
	// trailing: a raw segment just ended and may be followed by a
	// delimiter.
	trailing bool
}

func newScanner(rx *ring, maxLine int) *scanner {
	return &scanner{
		rx:  rx,
		buf: make([]byte, 0, maxLine),
		max: maxLine,
	}
}

// fill pulls pending bytes from the ring. It reports ErrOverflow when the
// ring dropped data since the last call.
func (s *scanner) fill() error {
	if free := s.max - len(s.buf); free > 0 {
		n := s.rx.Read(s.buf[len(s.buf):s.max])
		s.buf = s.buf[:len(s.buf)+n]
	}
	if s.rx.TakeOverflow() {
		return ErrOverflow
	}
	return nil
}

func (s *scanner) full() bool {
	return len(s.buf) >= s.max
}

// starved reports whether the ring holds bytes that fill could take now.
func (s *scanner) starved() bool {
	return !s.full() && s.rx.Len() > 0
}

func (s *scanner) consume(n int) {
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
}

// peek returns the next token produced by split without consuming it.
// A full buffer without a token is ErrLineTooLong.
func (s *scanner) peek(split bufio.SplitFunc) (token []byte, advance int, err error) {
	if s.mode != scanLine {
		return nil, 0, nil
	}
	advance, token, err = split(s.buf, false)
	if err != nil {
		return nil, 0, err
	}
	if advance == 0 && s.full() {
		return nil, 0, ErrLineTooLong
	}
	return token, advance, nil
}

// line returns a copy of the next complete line, consuming it.
func (s *scanner) line() ([]byte, bool, error) {
	token, advance, err := s.peek(at.ScanLines)
	if err != nil || advance == 0 {
		return nil, false, err
	}
	out := append([]byte(nil), token...)
	s.consume(advance)
	return out, true, nil
}

// hasPrefix reports whether the buffered bytes start with p.
func (s *scanner) hasPrefix(p string) bool {
	return bytes.HasPrefix(s.buf, []byte(p))
}

// openField positions the scanner inside a matched response line.
func (s *scanner) openField() {
	s.mode = scanField
	s.lead = true
	s.trailing = false
}

// view returns the rest of the current line and whether its terminator
// has been received.
func (s *scanner) view() ([]byte, bool) {
	if s.mode != scanField {
		return nil, true
	}
	if i := bytes.Index(s.buf, []byte(at.CRLF)); i >= 0 {
		return s.buf[:i], true
	}
	return s.buf, false
}

// skipLead drops spaces between a prefix or prompt and the data after it.
func (s *scanner) skipLead() {
	if !s.lead {
		return
	}
	i := 0
	for i < len(s.buf) && s.buf[i] == ' ' {
		i++
	}
	s.consume(i)
	if len(s.buf) > 0 {
		s.lead = false
	}
}

// skipTrailing steps over the delimiter that may follow a raw segment.
// It reports false until the byte after the segment is buffered.
func (s *scanner) skipTrailing(delim byte) bool {
	if !s.trailing {
		return true
	}
	if len(s.buf) == 0 {
		return false
	}
	if s.buf[0] == delim {
		s.consume(1)
		s.lead = true
	}
	s.trailing = false
	return true
}

// closeLine discards through the next line terminator and returns to
// line mode. It reports false when the terminator has not arrived yet; a
// full buffer is dropped so that an oversized line can still be skipped.
func (s *scanner) closeLine() bool {
	if s.mode == scanLine {
		return true
	}
	if i := bytes.Index(s.buf, []byte(at.CRLF)); i >= 0 {
		s.consume(i + len(at.CRLF))
		s.setLine()
		return true
	}
	if n := len(s.buf); n > 0 && s.buf[n-1] == '\r' {
		s.consume(n - 1)
	} else {
		s.consume(n)
	}
	return false
}

// beginRaw switches to counting n bytes through regardless of their
// values. The segment ends in field mode.
func (s *scanner) beginRaw(n int) {
	s.mode = scanRaw
	s.remaining = n
	s.lead = false
	s.trailing = false
	if n == 0 {
		s.endRaw()
	}
}

func (s *scanner) endRaw() {
	s.mode = scanField
	s.remaining = 0
	s.trailing = true
}

// raw moves buffered bytes of the current segment into dst.
func (s *scanner) raw(dst []byte) int {
	if s.mode != scanRaw {
		return 0
	}
	n := copy(dst[:min(len(dst), s.remaining)], s.buf)
	s.consume(n)
	s.remaining -= n
	if s.remaining == 0 {
		s.endRaw()
	}
	return n
}

func (s *scanner) setLine() {
	s.mode = scanLine
	s.remaining = 0
	s.lead = false
	s.trailing = false
}

// flush drops everything buffered, including bytes still in the ring.
func (s *scanner) flush() int {
	n := len(s.buf) + s.rx.Len()
	s.buf = s.buf[:0]
	s.rx.Reset()
	s.setLine()
	return n
}
