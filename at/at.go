package at

import (
	"strconv"
	"strings"
)

const (
	// Terminal Control
	CR     = "\r"
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Default parameter delimiter
	Delimiter = ','

	// Final Result Codes
	OK       = "OK"
	ERROR    = "ERROR"
	Aborted  = "ABORTED"
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg         = "+CMTI:"
	UrcMessageReport  = "+CDSI:"
	UrcSignalStrength = "+CSQ:"
	UrcCall           = "RING"

	// Commands
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdEchoOn        = "ATE1"
	CmdNumericErrors = "AT+CMEE=1"
	CmdSimStatus     = "AT+CPIN?"
	CmdSetTextMode   = "AT+CMGF=1"

	// SIM states reported by +CPIN?
	SimReady = "READY"
	SimPin   = "SIM PIN"
)

// EventKind tags a classified protocol event.
type EventKind int

const (
	EventEcho        EventKind = iota // echo of the command just sent
	EventInformation                  // intermediate command output (+CSQ: ...)
	EventFinal                        // OK, ERROR, +CME ERROR: n, ...
	EventURC                          // asynchronous notification
)

func (k EventKind) String() string {
	switch k {
	case EventEcho:
		return "echo"
	case EventInformation:
		return "information"
	case EventFinal:
		return "final"
	case EventURC:
		return "urc"
	}
	return "unknown"
}

// Event is one unit produced by the line scanner.
type Event struct {
	Kind EventKind
	// Line holds the line without its terminator.
	Line []byte
	// Prefix is the registered URC prefix for EventURC.
	Prefix string
	// Final is set for EventFinal.
	Final Final
}

// FinalKind enumerates the terminal result codes.
type FinalKind int

const (
	FinalOK FinalKind = iota
	FinalError
	FinalCME
	FinalCMS
	FinalAborted
)

func (k FinalKind) String() string {
	switch k {
	case FinalOK:
		return OK
	case FinalError:
		return ERROR
	case FinalCME:
		return CmeError
	case FinalCMS:
		return CmsError
	case FinalAborted:
		return Aborted
	}
	return "unknown"
}

// Final is a decoded final result line.
type Final struct {
	Kind FinalKind
	// Code is the numeric error carried by +CME ERROR / +CMS ERROR.
	Code    int
	HasCode bool
	// Text is the verbose error text when the module is not in numeric mode.
	Text string
}

// Success reports whether the final result ends a command successfully.
func (f Final) Success() bool {
	return f.Kind == FinalOK
}

// ParseFinal recognises the fixed final result tokens. Extended errors
// carrying a non-numeric reason are still finals, with HasCode unset.
func ParseFinal(line string) (Final, bool) {
	switch line {
	case OK:
		return Final{Kind: FinalOK}, true
	case ERROR:
		return Final{Kind: FinalError}, true
	case Aborted:
		return Final{Kind: FinalAborted}, true
	}

	var f Final
	switch {
	case strings.HasPrefix(line, CmeError):
		f.Kind = FinalCME
		line = line[len(CmeError):]
	case strings.HasPrefix(line, CmsError):
		f.Kind = FinalCMS
		line = line[len(CmsError):]
	default:
		return Final{}, false
	}

	line = strings.TrimSpace(line)
	if code, err := strconv.Atoi(line); err == nil {
		f.Code = code
		f.HasCode = true
	} else {
		f.Text = line
	}
	return f, true
}
