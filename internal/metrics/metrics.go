// Package metrics turns eventbus signals into Prometheus series and serves
// them with a health probe.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

type Collector struct {
	reg *prometheus.Registry

	dispatches    *prometheus.CounterVec
	dispatchTime  prometheus.Histogram
	recipients    prometheus.Histogram
	emails        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	activity      *prometheus.CounterVec
	lookups       *prometheus.CounterVec
	reloads       prometheus.Counter
}

// New registers herald's series plus the Go and process collectors on a
// private registry.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald", Name: "dispatches_total",
			Help: "Dispatches by outcome (started, finished, panicked, skipped).",
		}, []string{"result"}),
		dispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "herald", Name: "dispatch_duration_seconds",
			Help:    "Wall time of finished dispatches.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		recipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "herald", Name: "dispatch_recipients",
			Help:    "Recipients per finished dispatch.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald", Name: "emails_total",
			Help: "Email sends by notification type and result.",
		}, []string{"type", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald", Name: "notifications_total",
			Help: "In-app notification writes by type and result.",
		}, []string{"type", "result"}),
		activity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald", Name: "activity_entries_total",
			Help: "Activity log writes by result.",
		}, []string{"result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald", Name: "lookup_failures_total",
			Help: "Failed membership, organization and contact lookups.",
		}, []string{"lookup"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "herald", Name: "config_reloads_total",
			Help: "Applied configuration reloads.",
		}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.dispatches, c.dispatchTime, c.recipients,
		c.emails, c.notifications, c.activity, c.lookups, c.reloads,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Observe records one signal. Unknown signal types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.DispatchStarted:
		c.dispatches.WithLabelValues("started").Inc()
	case eventbus.DispatchSkipped:
		c.dispatches.WithLabelValues("skipped").Inc()
	case eventbus.DispatchPanicked:
		c.dispatches.WithLabelValues("panicked").Inc()
	case eventbus.DispatchFinished:
		c.dispatches.WithLabelValues("finished").Inc()
		if info, ok := e.Data.(eventbus.DispatchInfo); ok {
			c.dispatchTime.Observe(info.Duration.Seconds())
			c.recipients.Observe(float64(info.Recipients))
		}
	case eventbus.EmailSent:
		c.emails.WithLabelValues(deliveryType(e), "sent").Inc()
	case eventbus.EmailFailed:
		c.emails.WithLabelValues(deliveryType(e), "failed").Inc()
	case eventbus.NotificationCreated:
		c.notifications.WithLabelValues(deliveryType(e), "created").Inc()
	case eventbus.NotificationFailed:
		c.notifications.WithLabelValues(deliveryType(e), "failed").Inc()
	case eventbus.ActivityLogged:
		c.activity.WithLabelValues("logged").Inc()
	case eventbus.ActivityFailed:
		c.activity.WithLabelValues("failed").Inc()
	case eventbus.LookupFailed:
		kind, _ := e.Data.(string)
		if kind == "" {
			kind = "unknown"
		}
		c.lookups.WithLabelValues(kind).Inc()
	case eventbus.ConfigReloaded:
		c.reloads.Inc()
	}
}

func deliveryType(e eventbus.Event) string {
	if info, ok := e.Data.(eventbus.DeliveryInfo); ok && info.Type != "" {
		return info.Type
	}
	return "unknown"
}

// Run feeds bus signals into the collector until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Handler serves /metrics and /healthz, plus the runtime profiler under
// /debug/pprof/ when withPprof is set.
func (c *Collector) Handler(withPprof bool) http.Handler {
	mux := http.NewServeMux()
	if withPprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ServeConfig configures the metrics listener.
type ServeConfig struct {
	Addr  string
	Pprof bool
}

// Serve listens until ctx is done, then shuts the server down.
func (c *Collector) Serve(ctx context.Context, cfg ServeConfig, log logx.Logger) error {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(c.Handler(cfg.Pprof), "metrics"),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
