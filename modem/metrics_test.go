package modem_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/atlink/modem"
)

// counterValue sums the samples of a counter family whose labels include
// the given pairs.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, transport := startClient(t, func(b *modem.ConfigBuilder) {
		b.WithRegisterer(reg).WithATTimeout(50 * time.Millisecond)
	})
	respond(transport, map[string]string{
		"AT\r":     "\r\nOK\r\n",
		"AT+FOO\r": "\r\n+CME ERROR: 3\r\n",
	})

	got := make(chan struct{}, 1)
	require.NoError(t, c.SetURCHandler("RING", modem.URCHandlerFunc(func(modem.URC) {
		got <- struct{}{}
	}), 0))

	_, err := c.Exec(context.Background(), "AT")
	require.NoError(t, err)
	_, err = c.Exec(context.Background(), "AT+FOO")
	require.Error(t, err)
	_, err = c.Exec(context.Background(), "AT+SILENT")
	require.ErrorIs(t, err, modem.ErrTimeout)

	transport.SendData("\r\nRING\r\n")
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("URC not dispatched")
	}

	assert.Equal(t, 1.0, counterValue(t, reg, "atlink_commands_total", map[string]string{"outcome": "none"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "atlink_commands_total", map[string]string{"outcome": "link"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "atlink_commands_total", map[string]string{"outcome": "timeout"}))
	assert.Greater(t, counterValue(t, reg, "atlink_rx_bytes_total", nil), 0.0)
	assert.Eventually(t, func() bool {
		return counterValue(t, reg, "atlink_urc_dispatched_total", map[string]string{"prefix": "RING"}) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNewMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := modem.NewMetrics(reg)
	require.NoError(t, err)
	_, err = modem.NewMetrics(reg)
	assert.Error(t, err)
}
