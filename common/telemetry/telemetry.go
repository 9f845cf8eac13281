package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anthive/orchestrator/common/logger"
)

// Metrics holds the orchestrator's prometheus instruments. The dispatch
// engine and the conductor observe these; Telemetry.Start exposes them.
type Metrics struct {
	// JobsTotal counts jobs reaching a terminal state, by type and state.
	JobsTotal *prometheus.CounterVec
	// DispatchSeconds measures claim-to-terminal wall time by job type.
	DispatchSeconds *prometheus.HistogramVec
	// QueueReceives counts receive polls that returned messages.
	QueueReceives prometheus.Counter
	// Heartbeats counts lease extensions sent by running jobs.
	Heartbeats prometheus.Counter
	// CASConflicts counts lost claim races on queued jobs.
	CASConflicts prometheus.Counter
	// NodesFired counts workflow node executions by node kind.
	NodesFired *prometheus.CounterVec
	// PromptCacheHits counts node retries short-circuited by prompt hash.
	PromptCacheHits prometheus.Counter
	// RunsReaped counts stranded runs the reaper failed.
	RunsReaped prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_jobs_total",
			Help: "Jobs finished, by type and terminal state.",
		}, []string{"type", "state"}),
		DispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_dispatch_seconds",
			Help:    "Wall time from queue claim to terminal write, by job type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"type"}),
		QueueReceives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_queue_receives_total",
			Help: "Queue receive calls that returned at least one message.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_heartbeats_total",
			Help: "Visibility heartbeats sent while jobs run.",
		}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cas_conflicts_total",
			Help: "Job claims lost to another dispatcher.",
		}),
		NodesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_nodes_fired_total",
			Help: "Workflow node executions, by node kind.",
		}, []string{"kind"}),
		PromptCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_prompt_cache_hits_total",
			Help: "Node firings answered from a completed identical prompt.",
		}),
		RunsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_runs_reaped_total",
			Help: "Non-terminal runs failed after their conductor went silent.",
		}),
	}
	reg.MustRegister(
		m.JobsTotal,
		m.DispatchSeconds,
		m.QueueReceives,
		m.Heartbeats,
		m.CASConflicts,
		m.NodesFired,
		m.PromptCacheHits,
		m.RunsReaped,
	)
	return m
}

// NewMetrics returns instruments on a private registry, for tests and
// embedding.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string
	registry    *prometheus.Registry

	Metrics *Metrics
}

// New creates telemetry components. A port of 0 disables the
// corresponding endpoint.
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	t := &Telemetry{
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	if pprofPort > 0 {
		t.pprofAddr = fmt.Sprintf("localhost:%d", pprofPort)
	}
	if metricsPort > 0 {
		t.metricsAddr = fmt.Sprintf(":%d", metricsPort)
	}

	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.Metrics = newMetrics(t.registry)
	return t
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.pprofAddr != "" {
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: t.metricsAddr, Handler: mux}

		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.log.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// RecordEvent records a telemetry event
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event",
		"event", event,
		"attrs", attrs,
	)
}
