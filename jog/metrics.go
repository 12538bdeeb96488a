package jog

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors updated by an Engine
type Metrics struct {
	Segments   prometheus.Counter
	Stalls     prometheus.Counter
	Rejections *prometheus.CounterVec
	InFlight   prometheus.Gauge
	ActiveAxes prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
// reg may be nil, in which case the collectors are live but unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Segments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jogstream",
			Subsystem: "engine",
			Name:      "segments_total",
			Help:      "Combined jog segments dispatched to the transport.",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jogstream",
			Subsystem: "engine",
			Name:      "backlog_stalls_total",
			Help:      "Refill cycles withheld because the controller backlog was too deep.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jogstream",
			Subsystem: "engine",
			Name:      "rejected_holds_total",
			Help:      "Hold requests refused, by reason.",
		}, []string{"reason"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jogstream",
			Subsystem: "engine",
			Name:      "in_flight",
			Help:      "Segments dispatched but not yet acknowledged.",
		}),
		ActiveAxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jogstream",
			Subsystem: "engine",
			Name:      "active_axes",
			Help:      "Axes currently held.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Segments, m.Stalls, m.Rejections, m.InFlight, m.ActiveAxes} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "registering jog metrics")
		}
	}
	return m, nil
}

func (m *Metrics) rejected(err error) {
	m.Rejections.WithLabelValues(reason(err)).Inc()
}

// reason is the metric label for a hold rejection
func reason(err error) string {
	switch errors.Cause(err) {
	case ErrMalformed:
		return "malformed"
	case ErrInvalidSettings:
		return "settings"
	case ErrSourceLocked:
		return "source"
	case ErrInterlock:
		return "interlock"
	case ErrDirectionConflict:
		return "direction"
	case ErrKeyboardDisabled:
		return "keyboard"
	default:
		return "other"
	}
}
