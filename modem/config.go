package modem

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"i4.energy/across/atlink/at"
)

// Config holds the settings of a Client. Build one with NewConfigBuilder.
type Config struct {
	dialer        Dialer
	simPIN        string
	maxRetries    int
	echoOn        bool
	atTimeout     time.Duration
	initTimeout   time.Duration
	terminator    string
	delimiter     byte
	rxBufferSize  int
	maxLineLength int
	maxRawLength  int
	urcQueueSize  int
	scanInterval  time.Duration
	logger        *zap.Logger
	registerer    prometheus.Registerer
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	if c.rxBufferSize < 0 || c.maxLineLength < 0 || c.maxRawLength < 0 || c.urcQueueSize < 0 {
		return errors.New("buffer sizes must not be negative")
	}
	switch c.delimiter {
	case '\r', '\n', '"', '\\':
		return errors.New("delimiter collides with line or string syntax")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.atTimeout == 0 {
		c.atTimeout = 5 * time.Second
	}
	if c.initTimeout == 0 {
		c.initTimeout = 30 * time.Second
	}
	if c.terminator == "" {
		c.terminator = at.CR
	}
	if c.delimiter == 0 {
		c.delimiter = at.Delimiter
	}
	if c.rxBufferSize == 0 {
		c.rxBufferSize = 1024
	}
	if c.maxLineLength == 0 {
		c.maxLineLength = 1024
	}
	if c.maxRawLength == 0 {
		c.maxRawLength = 1 << 20
	}
	if c.urcQueueSize == 0 {
		c.urcQueueSize = 16
	}
	if c.scanInterval == 0 {
		c.scanInterval = 20 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

// WithDialer sets how the transport to the module is opened. Required.
func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

// WithSimPIN sets the PIN used by Init when the SIM asks for one.
func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.simPIN = pin
	return b
}

// WithMaxRetries bounds how often Exec and Init repeat a timed out command.
// Negative disables retries.
func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.maxRetries = n
	return b
}

// WithEcho makes Init leave command echo on (ATE1). Echoed command lines
// are recognised and discarded.
func (b *ConfigBuilder) WithEcho(on bool) *ConfigBuilder {
	b.config.echoOn = on
	return b
}

// WithATTimeout sets the default per-command deadline.
func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

// WithInitTimeout bounds the whole Init sequence.
func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.initTimeout = d
	return b
}

// WithTerminator sets the bytes ending each command line. Default "\r".
func (b *ConfigBuilder) WithTerminator(term string) *ConfigBuilder {
	b.config.terminator = term
	return b
}

// WithDelimiter sets the parameter delimiter. Default ','.
func (b *ConfigBuilder) WithDelimiter(delim byte) *ConfigBuilder {
	b.config.delimiter = delim
	return b
}

// WithRxBufferSize sets the receive ring capacity in bytes.
func (b *ConfigBuilder) WithRxBufferSize(n int) *ConfigBuilder {
	b.config.rxBufferSize = n
	return b
}

// WithMaxLineLength bounds the bytes of one line held for classification.
func (b *ConfigBuilder) WithMaxLineLength(n int) *ConfigBuilder {
	b.config.maxLineLength = n
	return b
}

// WithMaxRawLength bounds the declared length of a raw data block a
// response may carry. Default 1 MiB.
func (b *ConfigBuilder) WithMaxRawLength(n int) *ConfigBuilder {
	b.config.maxRawLength = n
	return b
}

// WithURCQueueSize sets how many URCs may wait for dispatch.
func (b *ConfigBuilder) WithURCQueueSize(n int) *ConfigBuilder {
	b.config.urcQueueSize = n
	return b
}

// WithScanInterval sets how often unsolicited input is polled while no
// session is active.
func (b *ConfigBuilder) WithScanInterval(d time.Duration) *ConfigBuilder {
	b.config.scanInterval = d
	return b
}

func (b *ConfigBuilder) WithLogger(l *zap.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

// WithRegisterer enables prometheus metrics on reg.
func (b *ConfigBuilder) WithRegisterer(reg prometheus.Registerer) *ConfigBuilder {
	b.config.registerer = reg
	return b
}

// Build validates the settings and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
