// Package admin is the ambient HTTP surface every production service in
// this codebase carries alongside its core call-handling: a liveness probe
// and a Prometheus scrape endpoint. It has no call-control routes and no
// auth — it's infrastructure, not a feature.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ActiveCallsProvider exposes the number of calls currently tracked.
type ActiveCallsProvider interface {
	Len() int
}

// ReconnectStatsProvider exposes the AI client's cumulative reconnect
// counters.
type ReconnectStatsProvider interface {
	TotalReconnectAttempts() uint64
	TotalMaxReconnectFailures() uint64
}

// RTPStatsProvider exposes the RTP sender's cumulative packet counter.
type RTPStatsProvider interface {
	TotalPacketsSent() uint64
}

// Collector is a prometheus.Collector gathering callbridge metrics at
// scrape time from whichever providers were wired in; any may be nil.
type Collector struct {
	activeCalls ActiveCallsProvider
	reconnects  ReconnectStatsProvider
	rtp         RTPStatsProvider
	startTime   time.Time

	activeCallsDesc       *prometheus.Desc
	reconnectAttemptsDesc *prometheus.Desc
	reconnectFailuresDesc *prometheus.Desc
	rtpPacketsSentDesc    *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector constructs a Collector. Any provider may be nil if the
// corresponding component isn't wired into this process.
func NewCollector(activeCalls ActiveCallsProvider, reconnects ReconnectStatsProvider, rtp RTPStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		reconnects:  reconnects,
		rtp:         rtp,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callbridge_active_calls",
			"Number of calls currently tracked by the bridge",
			nil, nil,
		),
		reconnectAttemptsDesc: prometheus.NewDesc(
			"callbridge_ai_reconnect_attempts_total",
			"Total AI WebSocket reconnect attempts scheduled",
			nil, nil,
		),
		reconnectFailuresDesc: prometheus.NewDesc(
			"callbridge_ai_reconnect_exhausted_total",
			"Total calls whose AI reconnect budget was exhausted",
			nil, nil,
		),
		rtpPacketsSentDesc: prometheus.NewDesc(
			"callbridge_rtp_packets_sent_total",
			"Total RTP packets sent across all calls",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callbridge_uptime_seconds",
			"Seconds since this process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.reconnectAttemptsDesc
	ch <- c.reconnectFailuresDesc
	ch <- c.rtpPacketsSentDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(c.activeCalls.Len()))
	}
	if c.reconnects != nil {
		ch <- prometheus.MustNewConstMetric(c.reconnectAttemptsDesc, prometheus.CounterValue, float64(c.reconnects.TotalReconnectAttempts()))
		ch <- prometheus.MustNewConstMetric(c.reconnectFailuresDesc, prometheus.CounterValue, float64(c.reconnects.TotalMaxReconnectFailures()))
	}
	if c.rtp != nil {
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsSentDesc, prometheus.CounterValue, float64(c.rtp.TotalPacketsSent()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Ready reports whether the ARI event subscription is connected, gating
// /healthz.
type Ready interface {
	Ready() bool
}

// Server is the admin HTTP surface: /healthz and /metrics.
type Server struct {
	addr   string
	ready  Ready
	logger *zap.SugaredLogger

	httpServer *http.Server
}

// New constructs a Server bound to addr (e.g. "0.0.0.0:8088"), registering
// collector with a private Prometheus registry so this surface never pulls
// in the Go-runtime default collectors the global registry ships with.
func New(addr string, ready Ready, collector *Collector, logger *zap.SugaredLogger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready == nil || !ready.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		addr:   addr,
		ready:  ready,
		logger: logger,
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// ListenAndServe runs the admin HTTP server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("admin: listening", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
