package modem_test

import (
	"context"
	"testing"
	"time"

	"i4.energy/across/atlink/modem"
)

func TestConfig(t *testing.T) {
	dialer := modem.DialerFunc(func(context.Context) (modem.Transport, error) {
		return modem.NewTestTransport(), nil
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	tests := []struct {
		name    string
		build   func(b *modem.ConfigBuilder)
		wantErr bool
	}{
		{
			name:  "defaults",
			build: func(b *modem.ConfigBuilder) {},
		},
		{
			name: "custom sizes and timings",
			build: func(b *modem.ConfigBuilder) {
				b.WithRxBufferSize(4096).
					WithMaxLineLength(2048).
					WithURCQueueSize(64).
					WithATTimeout(2 * time.Second).
					WithScanInterval(5 * time.Millisecond)
			},
		},
		{
			name:    "negative buffer size",
			build:   func(b *modem.ConfigBuilder) { b.WithRxBufferSize(-1) },
			wantErr: true,
		},
		{
			name:    "negative raw length",
			build:   func(b *modem.ConfigBuilder) { b.WithMaxRawLength(-1) },
			wantErr: true,
		},
		{
			name:    "negative URC queue",
			build:   func(b *modem.ConfigBuilder) { b.WithURCQueueSize(-1) },
			wantErr: true,
		},
		{
			name:    "quote as delimiter",
			build:   func(b *modem.ConfigBuilder) { b.WithDelimiter('"') },
			wantErr: true,
		},
		{
			name:    "line feed as delimiter",
			build:   func(b *modem.ConfigBuilder) { b.WithDelimiter('\n') },
			wantErr: true,
		},
		{
			name:  "semicolon delimiter",
			build: func(b *modem.ConfigBuilder) { b.WithDelimiter(';') },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := modem.NewConfigBuilder().WithDialer(dialer)
			tt.build(b)
			_, err := b.Build()
			if (err != nil) != tt.wantErr {
				t.Errorf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
