package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the data input prompt ("> ") at the start of the data.
//
// The prompt is only meaningful while a caller is waiting for it; use
// ScanLines when a line starting with "> " must be read as a line.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match data prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	return ScanLines(data, atEOF)
}

// ScanLines splits on CRLF only. Lone CR or LF bytes stay inside the token.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var (
	_ bufio.SplitFunc = Splitter
	_ bufio.SplitFunc = ScanLines
)

// Classifier identifies the nature of a complete modem output line.
//
// Rules are applied in order: echo of the command just sent, a line
// carrying the awaited response prefix, a registered URC, a final result
// code, and finally an information line.
type Classifier struct {
	// Echo is the command line last written to the module. Empty when
	// echo is off or no command is pending.
	Echo string
	// Awaiting is the response prefix a caller is blocked on. A line
	// carrying it is never diverted as a URC.
	Awaiting string
	// URC reports whether the line belongs to a registered notification.
	URC func(line string) (prefix string, ok bool)
}

// Classify returns the event for one line, without its terminator.
func (c Classifier) Classify(line []byte) Event {
	s := string(line)

	// Modules echo the terminator too, so the echo may carry a stray CR.
	if c.Echo != "" && strings.TrimRight(s, CR) == c.Echo {
		return Event{Kind: EventEcho, Line: line}
	}

	if c.Awaiting != "" && strings.HasPrefix(s, c.Awaiting) {
		return Event{Kind: EventInformation, Line: line}
	}

	if c.URC != nil {
		if prefix, ok := c.URC(s); ok {
			return Event{Kind: EventURC, Line: line, Prefix: prefix}
		}
	}

	if f, ok := ParseFinal(s); ok {
		return Event{Kind: EventFinal, Line: line, Final: f}
	}

	return Event{Kind: EventInformation, Line: line}
}
