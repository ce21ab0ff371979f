// Package metrics holds the Prometheus collectors of the sync daemon.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "portalsync"

// Metrics is a set of collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	envelopes        *prometheus.CounterVec
	rejected         prometheus.Counter
	reconnects       prometheus.Counter
	sends            *prometheus.CounterVec
	backgroundErrors *prometheus.CounterVec
	restDuration     *prometheus.HistogramVec
	unread           prometheus.Gauge
	conversations    prometheus.Gauge
	typing           prometheus.Gauge
	online           prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Push envelopes accepted, by type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_rejected_total",
			Help:      "Push payloads dropped as malformed or of unknown type.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Reconnect attempts of the push channel.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound sends, by result.",
		}, []string{"result"}),
		backgroundErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_errors_total",
			Help:      "Suppressed errors from background refreshes, by operation.",
		}, []string{"op"}),
		restDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rest_request_duration_seconds",
			Help:      "Latency of portal REST calls, by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Unread messages across tracked conversations.",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations",
			Help:      "Tracked conversations.",
		}),
		typing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "typing_entries",
			Help:      "Active inbound typing indicators.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users currently online.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.envelopes, m.rejected, m.reconnects, m.sends, m.backgroundErrors,
		m.restDuration, m.unread, m.conversations, m.typing, m.online,
	)
	return m
}

func (m *Metrics) EnvelopeReceived(typ string) {
	if m != nil {
		m.envelopes.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) EnvelopeRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

// SendResult counts an outbound send as "ok" or "failed".
func (m *Metrics) SendResult(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) BackgroundError(op string) {
	if m != nil {
		m.backgroundErrors.WithLabelValues(op).Inc()
	}
}

// ObserveREST records the duration of a REST call started at start.
func (m *Metrics) ObserveREST(op string, start time.Time) {
	if m != nil {
		m.restDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// SetGauges records the current size of the in-memory state.
func (m *Metrics) SetGauges(conversations, unread, typing, online int) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(conversations))
	m.unread.Set(float64(unread))
	m.typing.Set(float64(typing))
	m.online.Set(float64(online))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Server exposes /metrics on a TCP address.
type Server struct {
	srv    *http.Server
	lis    net.Listener
	logger *zap.Logger
}

// NewServer binds addr. Use ":0" for an ephemeral port.
func NewServer(addr string, m *Metrics, logger *zap.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		lis:    lis,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.Addr()))
		if err := s.srv.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
