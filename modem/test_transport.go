package modem

import (
	"bytes"
	"io"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the Loop's receiver goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
//
// Writes are recorded; an OnWrite hook can answer them like a module would.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	writes   [][]byte
	onWrite  func(p []byte)

	// pending is only touched by the reading goroutine.
	pending []byte
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 256),
	}
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.writes = append(t.writes, bytes.Clone(p))
	hook := t.onWrite
	t.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return len(p), nil
}

// Read blocks until data is queued. Data larger than p is returned over
// several calls.
func (t *TestTransport) Read(p []byte) (n int, err error) {
	if len(t.pending) == 0 {
		data, ok := <-t.readChan
		if !ok {
			return 0, io.EOF
		}
		t.pending = data
	}
	n = copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// OnWrite installs a hook called with every write, after it is recorded.
func (t *TestTransport) OnWrite(hook func(p []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWrite = hook
}

// Writes returns a copy of every write so far, in order.
func (t *TestTransport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// Written returns all written bytes concatenated.
func (t *TestTransport) Written() string {
	return string(bytes.Join(t.Writes(), nil))
}
