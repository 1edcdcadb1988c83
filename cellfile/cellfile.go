// Package cellfile manages files in the flash file system of a cellular
// module through the u-blox AT+UDWNFILE family of commands.
package cellfile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/atlink/modem"
)

// MaxNameLength is the longest file name the module accepts.
const MaxNameLength = 248

var (
	// ErrInvalidName is returned for an empty or overlong file name.
	ErrInvalidName = errors.New("invalid file name")

	// ErrTagNotSupported is returned by BlockRead while a tag is set; the
	// module only reads blocks from the default area.
	ErrTagNotSupported = errors.New("block read not supported with a tag")
)

// Locker hands out exclusive sessions on a module, e.g. *modem.Client.
type Locker interface {
	Lock(ctx context.Context) (*modem.Session, error)
}

// FS is the file system of one module. It is safe for concurrent use;
// every operation holds its own session.
type FS struct {
	client Locker
	log    *zap.Logger

	// Data transfers take longer than plain commands.
	transferTimeout time.Duration

	mu  sync.RWMutex
	tag string
}

// New returns the file system reached through client. A nil log disables
// logging.
func New(client Locker, log *zap.Logger) *FS {
	if log == nil {
		log = zap.NewNop()
	}
	return &FS{
		client:          client,
		log:             log,
		transferTimeout: 30 * time.Second,
	}
}

// SetTag selects the file system area used by later operations, e.g.
// "USER". An empty tag selects the default area.
func (fs *FS) SetTag(tag string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.tag = tag
}

// Tag returns the current tag, empty when none is set.
func (fs *FS) Tag() string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.tag
}

func checkName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// begin locks the module and starts cmd with the quoted file name as
// first parameter.
func (fs *FS) begin(ctx context.Context, cmd, name string) (*modem.Session, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	s, err := fs.client.Lock(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CommandStart(cmd); err != nil {
		s.Unlock()
		return nil, err
	}
	if err := s.WriteQuoted(name); err != nil {
		s.Unlock()
		return nil, err
	}
	return s, nil
}

func (fs *FS) writeTag(s *modem.Session) error {
	if tag := fs.Tag(); tag != "" {
		return s.WriteQuoted(tag)
	}
	return nil
}

// Write stores data as file name, appending to it if it exists, and
// returns the number of bytes written.
func (fs *FS) Write(ctx context.Context, name string, data []byte) (int, error) {
	s, err := fs.begin(ctx, "+UDWNFILE=", name)
	if err != nil {
		return 0, err
	}
	defer s.Unlock()

	if err := s.WriteInt(len(data)); err != nil {
		return 0, err
	}
	if err := fs.writeTag(s); err != nil {
		return 0, err
	}
	if err := s.CommandStop(); err != nil {
		return 0, err
	}
	if err := s.WaitPrompt(); err != nil {
		return 0, fmt.Errorf("write %s: %w", name, err)
	}

	s.SetTimeout(fs.transferTimeout)
	if err := s.WriteBytes(data); err != nil {
		return 0, err
	}
	if err := s.ResponseStop(); err != nil {
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	fs.log.Debug("file written", zap.String("name", name), zap.Int("bytes", len(data)))
	return len(data), nil
}

// Size returns the size of file name in bytes.
func (fs *FS) Size(ctx context.Context, name string) (int, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	s, err := fs.client.Lock(ctx)
	if err != nil {
		return 0, err
	}
	defer s.Unlock()

	if err := s.CommandStart("+ULSTFILE="); err != nil {
		return 0, err
	}
	if err := s.WriteInt(2); err != nil {
		return 0, err
	}
	if err := s.WriteQuoted(name); err != nil {
		return 0, err
	}
	if err := fs.writeTag(s); err != nil {
		return 0, err
	}
	if err := s.CommandStop(); err != nil {
		return 0, err
	}
	if err := s.ResponseStart("+ULSTFILE:"); err != nil {
		return 0, fmt.Errorf("size of %s: %w", name, err)
	}
	size, err := s.ReadInt()
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", name, err)
	}
	return size, s.ResponseStop()
}

// BlockRead reads up to len(buf) bytes of file name starting at offset.
// It returns the number of bytes read, which is short at the end of the
// file.
func (fs *FS) BlockRead(ctx context.Context, name string, offset int, buf []byte) (int, error) {
	if fs.Tag() != "" {
		return 0, ErrTagNotSupported
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	s, err := fs.begin(ctx, "+URDBLOCK=", name)
	if err != nil {
		return 0, err
	}
	defer s.Unlock()

	if err := s.WriteInt(offset); err != nil {
		return 0, err
	}
	if err := s.WriteInt(len(buf)); err != nil {
		return 0, err
	}
	if err := s.CommandStop(); err != nil {
		return 0, err
	}
	s.SetTimeout(fs.transferTimeout)
	n, err := fs.readContent(s, "+URDBLOCK:", name, buf)
	if err != nil {
		return 0, err
	}
	return n, s.ResponseStop()
}

// Read reads file name from the start into buf and returns the number of
// bytes stored. Content beyond len(buf) is discarded.
func (fs *FS) Read(ctx context.Context, name string, buf []byte) (int, error) {
	s, err := fs.begin(ctx, "+URDFILE=", name)
	if err != nil {
		return 0, err
	}
	defer s.Unlock()

	if err := fs.writeTag(s); err != nil {
		return 0, err
	}
	if err := s.CommandStop(); err != nil {
		return 0, err
	}
	s.SetTimeout(fs.transferTimeout)
	n, err := fs.readContent(s, "+URDFILE:", name, buf)
	if err != nil {
		return 0, err
	}
	return n, s.ResponseStop()
}

// readContent decodes `<prefix> "name",size,"data"` into buf.
func (fs *FS) readContent(s *modem.Session, prefix, name string, buf []byte) (int, error) {
	if err := s.ResponseStart(prefix); err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	if err := s.Skip(); err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	size, err := s.ReadInt()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	if size < 0 {
		return 0, fmt.Errorf("read %s: %w: size %d", name, modem.ErrParse, size)
	}
	data, err := s.ReadQuotedBytes(size)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	n := copy(buf, data)
	if n < size {
		fs.log.Warn("file content truncated", zap.String("name", name), zap.Int("size", size), zap.Int("buffer", len(buf)))
	}
	return n, nil
}

// List returns the names of all files in the current area.
func (fs *FS) List(ctx context.Context) ([]string, error) {
	s, err := fs.client.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Unlock()

	if err := s.CommandStart("+ULSTFILE="); err != nil {
		return nil, err
	}
	if err := s.WriteInt(0); err != nil {
		return nil, err
	}
	if err := fs.writeTag(s); err != nil {
		return nil, err
	}
	if err := s.CommandStop(); err != nil {
		return nil, err
	}

	// Long listings are split over several response lines.
	var names []string
	for {
		err := s.ResponseStart("+ULSTFILE:")
		if errors.Is(err, modem.ErrEndOfResponse) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		for {
			name, err := s.ReadQuoted()
			if errors.Is(err, modem.ErrEndOfResponse) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("list files: %w", err)
			}
			names = append(names, name)
		}
	}
	return names, s.ResponseStop()
}

// Delete removes file name.
func (fs *FS) Delete(ctx context.Context, name string) error {
	s, err := fs.begin(ctx, "+UDELFILE=", name)
	if err != nil {
		return err
	}
	defer s.Unlock()

	if err := fs.writeTag(s); err != nil {
		return err
	}
	if err := s.CommandStopReadResponse(); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	fs.log.Debug("file deleted", zap.String("name", name))
	return nil
}
