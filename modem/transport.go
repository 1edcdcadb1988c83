package modem

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=modem

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a radio module.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports, TCP connections to emulators,
// or in-memory fakes used for testing.
//
// Read may block until data arrives. A Read returning zero bytes and no
// error is treated as "nothing available yet".
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a radio module.
//
// Dialer abstracts how the module connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be used
// during client construction only. Once a Transport is obtained, the Dialer is
// no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// SerialDialer opens the module over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. /dev/ttyUSB0 or COM3.
	PortName string
	// BaudRate is used when Mode is nil. Defaults to 115200.
	BaudRate int
	// Mode overrides the full line settings.
	Mode *serial.Mode
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	type result struct {
		port serial.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := serial.Open(d.PortName, mode)
		done <- result{port, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("modem: open %s: %w", d.PortName, r.err)
		}
		return r.port, nil
	}
}
