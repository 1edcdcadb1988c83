package modem

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes client counters to prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	commands      *prometheus.CounterVec
	duration      prometheus.Histogram
	urcDispatched *prometheus.CounterVec
	urcDropped    prometheus.Counter
	rxBytes       prometheus.Counter
	rxOverflows   prometheus.Counter
}

// NewMetrics creates the client collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlink_commands_total",
			Help: "AT commands by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlink_command_duration_seconds",
			Help:    "Time from command write to final result",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		urcDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlink_urc_dispatched_total",
			Help: "URCs delivered to handlers",
		}, []string{"prefix"}),
		urcDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlink_urc_dropped_total",
			Help: "URCs dropped because the dispatch queue was full",
		}),
		rxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlink_rx_bytes_total",
			Help: "Bytes received from the module",
		}),
		rxOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlink_rx_overflows_total",
			Help: "Receive buffer overflows",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.commands, m.duration, m.urcDispatched, m.urcDropped, m.rxBytes, m.rxOverflows,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeCommand(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(KindOf(err).String()).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) urcDelivered(prefix string) {
	if m == nil {
		return
	}
	m.urcDispatched.WithLabelValues(prefix).Inc()
}

func (m *Metrics) urcDrop() {
	if m == nil {
		return
	}
	m.urcDropped.Inc()
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.rxBytes.Add(float64(n))
}

func (m *Metrics) overflow() {
	if m == nil {
		return
	}
	m.rxOverflows.Inc()
}
