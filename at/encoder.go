package at

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Encoder builds one outgoing command line. Parameters are separated by
// the delimiter; the first parameter after the command name is not.
//
// Raw segments bypass both escaping and delimiting.
type Encoder struct {
	buf    []byte
	delim  byte
	params int
}

// NewEncoder returns an Encoder separating parameters with delim. A zero
// delim selects the default ','.
func NewEncoder(delim byte) *Encoder {
	if delim == 0 {
		delim = Delimiter
	}
	return &Encoder{delim: delim}
}

// Start discards any pending bytes and writes the command name, prefixed
// with "AT" unless name already carries it.
func (e *Encoder) Start(name string) {
	e.Reset()
	if !hasATPrefix(name) {
		e.buf = append(e.buf, CmdAt...)
	}
	e.buf = append(e.buf, name...)
}

func hasATPrefix(name string) bool {
	return len(name) >= 2 && strings.EqualFold(name[:2], CmdAt)
}

func (e *Encoder) separate() {
	if e.params > 0 {
		e.buf = append(e.buf, e.delim)
	}
	e.params++
}

// AppendInt writes a decimal integer parameter.
func (e *Encoder) AppendInt(v int64) {
	e.separate()
	e.buf = strconv.AppendInt(e.buf, v, 10)
}

// AppendString writes s verbatim as an unquoted parameter.
func (e *Encoder) AppendString(s string) {
	e.separate()
	e.buf = append(e.buf, s...)
}

// AppendQuoted writes s between double quotes, escaping '"' and '\'.
func (e *Encoder) AppendQuoted(s string) {
	e.separate()
	e.buf = appendQuoted(e.buf, s)
}

// AppendHex writes b as upper case hex digits.
func (e *Encoder) AppendHex(b []byte) {
	e.separate()
	e.buf = append(e.buf, strings.ToUpper(hex.EncodeToString(b))...)
}

// AppendRaw writes b exactly as given, without delimiter or escaping.
func (e *Encoder) AppendRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Bytes returns the pending bytes without terminator. The slice is only
// valid until the next call on e.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Line returns a copy of the pending bytes followed by term.
func (e *Encoder) Line(term string) []byte {
	out := make([]byte, 0, len(e.buf)+len(term))
	out = append(out, e.buf...)
	return append(out, term...)
}

// Len is the number of pending bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Params is the number of delimited parameters written since Start.
func (e *Encoder) Params() int {
	return e.params
}

func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
	e.params = 0
}

// Quote returns s as a quoted AT string parameter.
func Quote(s string) string {
	return string(appendQuoted(nil, s))
}

func appendQuoted(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			buf = append(buf, '\\', c)
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}
