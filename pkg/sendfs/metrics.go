package sendfs

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/function61/zsendfs/pkg/sendstream"
	"github.com/function61/zsendfs/pkg/zfscmd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsController struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec

	// using (totalInvocations, errors) instead of (successes, errors) b/c:
	//   https://promcon.io/2017-munich/slides/best-practices-and-beastly-pitfalls.pdf
	zfsInvocations *prometheus.CounterVec
	zfsErrors      *prometheus.CounterVec

	sessionsOpen     prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsRejected prometheus.Counter

	streamedBytes prometheus.Counter
	skippedBytes  prometheus.Counter
}

var _ sendstream.Observer = (*metricsController)(nil)

func newMetricsController() *metricsController {
	reg := prometheus.NewRegistry()

	m := &metricsController{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zsendfs_http_requests_total",
			Help: "Metrics HTTP server's handled requests",
		}, []string{"code", "method"}),
		zfsInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zsendfs_zfs_invocations_total",
			Help: "zfs command invocations",
		}, []string{"subcommand"}),
		zfsErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zsendfs_zfs_errors_total",
			Help: "zfs command invocations that failed to start or complete",
		}, []string{"subcommand"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zsendfs_sessions_open",
			Help: "Send streams currently open",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zsendfs_sessions_opened_total",
			Help: "Send streams opened",
		}),
		sessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zsendfs_sessions_rejected_total",
			Help: "Opens rejected due to the concurrent stream limit",
		}),
		streamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zsendfs_streamed_bytes_total",
			Help: "Send stream bytes returned to readers",
		}),
		skippedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zsendfs_skipped_bytes_total",
			Help: "Send stream bytes discarded due to forward seeks",
		}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.zfsInvocations,
		m.zfsErrors,
		m.sessionsOpen,
		m.sessionsOpened,
		m.sessionsRejected,
		m.streamedBytes,
		m.skippedBytes)

	return m
}

func (m *metricsController) Streamed(bytes int) {
	m.streamedBytes.Add(float64(bytes))
}

func (m *metricsController) Skipped(bytes int) {
	m.skippedBytes.Add(float64(bytes))
}

func (m *metricsController) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *metricsController) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

// builds a cancellable metrics HTTP server task that can be given to taskrunner
func (m *metricsController) Task(addr string) func(context.Context) error {
	return func(ctx context.Context) error {
		routes := http.NewServeMux()
		routes.Handle("/metrics", m.MetricsHTTPHandler())

		srv := &http.Server{
			Addr:              addr,
			Handler:           m.WrapHTTPServer(routes),
			ReadHeaderTimeout: 60 * time.Second,
		}

		go func() {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			_ = srv.Shutdown(shutdownCtx)
		}()

		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	}
}

// decorates a zfs runner with a proxy runner that doesn't change any behaviour, but
// records metrics for the invocations
func (m *metricsController) WrapRunner(origin zfscmd.Runner) zfscmd.Runner {
	return &metricsRunner{origin, m}
}

type metricsRunner struct {
	origin  zfscmd.Runner
	metrics *metricsController
}

func (r *metricsRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	label := subcommandLabel(args)

	r.metrics.zfsInvocations.WithLabelValues(label).Inc()

	output, err := r.origin.Output(ctx, args...)
	if err != nil {
		r.metrics.zfsErrors.WithLabelValues(label).Inc()
	}

	return output, err
}

func (r *metricsRunner) Stream(args ...string) (io.ReadCloser, error) {
	label := subcommandLabel(args)

	r.metrics.zfsInvocations.WithLabelValues(label).Inc()

	stream, err := r.origin.Stream(args...)
	if err != nil {
		r.metrics.zfsErrors.WithLabelValues(label).Inc()
	}

	return stream, err
}

// "send -n ..." => "send-dryrun", "list ..." => "list"
func subcommandLabel(args []string) string {
	if len(args) == 0 {
		return "none"
	}

	if args[0] == "send" {
		for _, arg := range args[1:] {
			if arg == "-n" {
				return "send-dryrun"
			}
		}
	}

	return args[0]
}
