package internal

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionIn  = "in"
	directionOut = "out"
)

// wireMetrics counts frames and payload bytes per direction and frame type.
// A nil *wireMetrics records nothing.
type wireMetrics struct {
	frames *prometheus.CounterVec
	bytes  *prometheus.CounterVec
}

func newWireMetrics(reg prometheus.Registerer) (*wireMetrics, error) {
	frames := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carrot_client",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames read from or written to the broker.",
		},
		[]string{"direction", "type"},
	)
	bytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carrot_client",
			Subsystem: "wire",
			Name:      "payload_bytes_total",
			Help:      "Frame payload bytes read from or written to the broker.",
		},
		[]string{"direction", "type"},
	)

	var err error
	if frames, err = registerCounterVec(reg, frames); err != nil {
		return nil, err
	}
	if bytes, err = registerCounterVec(reg, bytes); err != nil {
		return nil, err
	}
	return &wireMetrics{frames: frames, bytes: bytes}, nil
}

// registerCounterVec reuses a collector already registered by another
// connection sharing the same registry.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *wireMetrics) observe(direction string, f *frame) {
	if m == nil {
		return
	}
	typ := getFrameTypeName(f.Type)
	m.frames.WithLabelValues(direction, typ).Inc()
	m.bytes.WithLabelValues(direction, typ).Add(float64(len(f.Payload)))
}
