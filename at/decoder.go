package at

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrParse is returned when the next field is malformed or of the
	// wrong type. The cursor is not advanced.
	ErrParse = errors.New("malformed response field")

	// ErrEndOfResponse is returned when no fields remain.
	ErrEndOfResponse = errors.New("end of response")
)

// Decoder reads delimited fields sequentially from a response payload.
// A failed read leaves the cursor where it was.
type Decoder struct {
	buf   []byte
	pos   int
	delim byte
}

// NewDecoder returns a Decoder over b. A zero delim selects ','.
func NewDecoder(b []byte, delim byte) *Decoder {
	if delim == 0 {
		delim = Delimiter
	}
	return &Decoder{buf: b, delim: delim}
}

// Pos is the number of bytes consumed so far.
func (d *Decoder) Pos() int {
	return d.pos
}

// Remaining returns the unconsumed bytes.
func (d *Decoder) Remaining() []byte {
	return d.buf[d.pos:]
}

// Done reports whether every byte has been consumed.
func (d *Decoder) Done() bool {
	return d.pos >= len(d.buf)
}

// field locates the next field. It returns the field bounds, the offset
// after the field and its trailing delimiter, and whether the field is
// a quoted string.
func (d *Decoder) field() (start, end, next int, quoted bool, err error) {
	if d.Done() {
		return 0, 0, 0, false, ErrEndOfResponse
	}

	i := skipSpaces(d.buf, d.pos)
	start = i
	if i < len(d.buf) && d.buf[i] == '"' {
		closing := closingQuote(d.buf, i)
		if closing < 0 {
			return 0, 0, 0, false, fmt.Errorf("%w: unterminated quoted string", ErrParse)
		}
		end = closing + 1
		quoted = true
		i = skipSpaces(d.buf, end)
		if i < len(d.buf) && d.buf[i] != d.delim {
			return 0, 0, 0, false, fmt.Errorf("%w: garbage after quoted string", ErrParse)
		}
	} else {
		for i < len(d.buf) && d.buf[i] != d.delim {
			i++
		}
		end = i
		for end > start && d.buf[end-1] == ' ' {
			end--
		}
	}

	next = i
	if next < len(d.buf) {
		next++ // delimiter
	}
	return start, end, next, quoted, nil
}

func skipSpaces(b []byte, i int) int {
	for i < len(b) && b[i] == ' ' {
		i++
	}
	return i
}

// closingQuote returns the index of the quote ending the string opened at
// b[open], honouring backslash escapes, or -1.
func closingQuote(b []byte, open int) int {
	for i := open + 1; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func unquote(b []byte) string {
	out := make([]byte, 0, len(b))
	for i := 1; i < len(b)-1; i++ {
		if b[i] == '\\' && i+1 < len(b)-1 {
			i++
		}
		out = append(out, b[i])
	}
	return string(out)
}

// ReadInt reads a decimal integer field.
func (d *Decoder) ReadInt() (int, error) {
	start, end, next, quoted, err := d.field()
	if err != nil {
		return 0, err
	}
	if quoted || start == end {
		return 0, fmt.Errorf("%w: expected integer", ErrParse)
	}
	v, err := strconv.Atoi(string(d.buf[start:end]))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrParse, err)
	}
	d.pos = next
	return v, nil
}

// ReadString reads a field as text. Quoted fields are unescaped, others
// are returned as they appear.
func (d *Decoder) ReadString() (string, error) {
	start, end, next, quoted, err := d.field()
	if err != nil {
		return "", err
	}
	d.pos = next
	if quoted {
		return unquote(d.buf[start:end]), nil
	}
	return string(d.buf[start:end]), nil
}

// ReadQuoted reads a field that must be a quoted string.
func (d *Decoder) ReadQuoted() (string, error) {
	start, end, next, quoted, err := d.field()
	if err != nil {
		return "", err
	}
	if !quoted {
		return "", fmt.Errorf("%w: expected quoted string", ErrParse)
	}
	d.pos = next
	return unquote(d.buf[start:end]), nil
}

// ReadHex reads a field of hex digits, optionally quoted.
func (d *Decoder) ReadHex() ([]byte, error) {
	start, end, next, quoted, err := d.field()
	if err != nil {
		return nil, err
	}
	digits := d.buf[start:end]
	if quoted {
		digits = digits[1 : len(digits)-1]
	}
	out := make([]byte, hex.DecodedLen(len(digits)))
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	d.pos = next
	return out, nil
}

// Skip consumes one field of any type.
func (d *Decoder) Skip() error {
	_, _, next, _, err := d.field()
	if err != nil {
		return err
	}
	d.pos = next
	return nil
}

// ReadBytes reads exactly n raw bytes, whatever their values, followed by
// an optional delimiter.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if n > 0 && d.Done() {
		return nil, ErrEndOfResponse
	}
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, fmt.Errorf("%w: want %d raw bytes, have %d", ErrParse, n, len(d.buf)-d.pos)
	}
	out := append([]byte(nil), d.buf[d.pos:d.pos+n]...)
	d.pos += n
	if d.pos < len(d.buf) && d.buf[d.pos] == d.delim {
		d.pos++
	}
	return out, nil
}

// ReadQuotedBytes reads n raw bytes enclosed in double quotes. The content
// is not unescaped.
func (d *Decoder) ReadQuotedBytes(n int) ([]byte, error) {
	if d.Done() {
		return nil, ErrEndOfResponse
	}
	i := skipSpaces(d.buf, d.pos)
	if n < 0 || len(d.buf)-i < n+2 || d.buf[i] != '"' || d.buf[i+1+n] != '"' {
		return nil, fmt.Errorf("%w: want %d quoted raw bytes", ErrParse, n)
	}
	out := append([]byte(nil), d.buf[i+1:i+1+n]...)
	d.pos = i + n + 2
	if d.pos < len(d.buf) && d.buf[d.pos] == d.delim {
		d.pos++
	}
	return out, nil
}

// FieldComplete reports whether b holds at least one whole field, that is
// a delimiter outside any quoted string.
func FieldComplete(b []byte, delim byte) bool {
	if delim == 0 {
		delim = Delimiter
	}
	inQuote := false
	for i := 0; i < len(b); i++ {
		switch c := b[i]; {
		case inQuote && c == '\\':
			i++
		case c == '"':
			inQuote = !inQuote
		case !inQuote && c == delim:
			return true
		}
	}
	return false
}
