package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"amf-rpc/message"
)

// Metrics holds the dispatch collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "amf_dispatch_total", Help: "AMF dispatches by target and status."},
			[]string{"target", "status", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amf_dispatch_duration_seconds",
				Help:    "AMF dispatch latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware records every dispatch.
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			target := req.TargetName
			code := ""
			if f := resp.Fault(); f != nil {
				code = f.Code
				// unknown names come from clients; keep them out of label values
				if f.Code == message.CodeResourceNotFound {
					target = "unknown"
				}
			}
			m.requests.WithLabelValues(target, resp.Status.String(), code).Inc()
			m.duration.WithLabelValues(target).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}
