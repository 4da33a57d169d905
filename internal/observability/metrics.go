// Package observability — metrics.go
//
// Prometheus metrics for the OHT-50 master module firmware.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: oht50_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (at most six values per
//     state machine).
//   - Per-tick metrics are aggregated before recording, never emitted one
//     sample per control-loop cycle as a distinct series.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the firmware.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Scheduler ────────────────────────────────────────────────────────────

	// SchedulerTasksExecutedTotal counts task invocations, by priority.
	SchedulerTasksExecutedTotal *prometheus.CounterVec

	// SchedulerDeadlineMissesTotal counts missed deadlines, by task name.
	SchedulerDeadlineMissesTotal *prometheus.CounterVec

	// ─── Control loop ─────────────────────────────────────────────────────────

	// ControlCycleLatency records per-cycle execution time of the three
	// control loop hooks combined.
	ControlCycleLatency prometheus.Histogram

	// ControlMissedDeadlinesTotal counts control loop cycles that exceeded
	// their deadline.
	ControlMissedDeadlinesTotal prometheus.Counter

	// ControlStateGauge reports the current control.State as a number
	// (idle=0, running=1, fault=2, estop=3) for alerting rules that need a
	// numeric comparison rather than a label match.
	ControlStateGauge prometheus.Gauge

	// ─── Safety monitor ───────────────────────────────────────────────────────

	// SafetyTransitionsTotal counts state transitions, by from_state and
	// to_state.
	SafetyTransitionsTotal *prometheus.CounterVec

	// SafetyMinDistanceMM is the most recent LiDAR-derived minimum distance.
	SafetyMinDistanceMM prometheus.Gauge

	// SafetyViolationsTotal counts zone/interlock/sensor violations.
	SafetyViolationsTotal *prometheus.CounterVec

	// SafetyEstopLatency records the measured hardware-assert to
	// software-latch latency.
	SafetyEstopLatency prometheus.Histogram

	// ─── System controller ────────────────────────────────────────────────────

	// SystemReadyGauge is 1 when safety_ok && communication_ok && control_ok,
	// 0 otherwise.
	SystemReadyGauge prometheus.Gauge

	// SystemEventsDroppedTotal counts events dropped because the controller's
	// event queue was full.
	SystemEventsDroppedTotal prometheus.Counter

	// ─── Field bus ─────────────────────────────────────────────────────────────

	// BusCacheHitsTotal and BusCacheMissesTotal count register-cache outcomes.
	BusCacheHitsTotal   prometheus.Counter
	BusCacheMissesTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of ledger entries.
	StorageLedgerEntries prometheus.Gauge

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all firmware Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SchedulerTasksExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "scheduler",
			Name:      "tasks_executed_total",
			Help:      "Total task invocations, by priority band.",
		}, []string{"priority"}),

		SchedulerDeadlineMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "scheduler",
			Name:      "deadline_misses_total",
			Help:      "Total missed task deadlines, by task name.",
		}, []string{"task"}),

		ControlCycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oht50",
			Subsystem: "control",
			Name:      "cycle_latency_seconds",
			Help:      "Control loop cycle execution time (safety+control+telemetry hooks combined).",
			Buckets:   []float64{0.0001, 0.0002, 0.0004, 0.0006, 0.0008, 0.001, 0.0015, 0.002, 0.005},
		}),

		ControlMissedDeadlinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "control",
			Name:      "missed_deadlines_total",
			Help:      "Total control loop cycles that exceeded their deadline.",
		}),

		ControlStateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oht50",
			Subsystem: "control",
			Name:      "state",
			Help:      "Current control loop state (idle=0, running=1, fault=2, estop=3).",
		}),

		SafetyTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "safety",
			Name:      "state_transitions_total",
			Help:      "Total safety monitor state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		SafetyMinDistanceMM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oht50",
			Subsystem: "safety",
			Name:      "min_distance_mm",
			Help:      "Most recent LiDAR-derived minimum obstacle distance in millimetres.",
		}),

		SafetyViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "safety",
			Name:      "violations_total",
			Help:      "Total safety violations, by kind (zone, interlock, sensor, watchdog).",
		}, []string{"kind"}),

		SafetyEstopLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oht50",
			Subsystem: "safety",
			Name:      "estop_latency_seconds",
			Help:      "Measured latency from hardware E-Stop assertion to software latch.",
			Buckets:   []float64{0.00001, 0.00002, 0.00005, 0.0001, 0.0002, 0.0005, 0.001},
		}),

		SystemReadyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oht50",
			Subsystem: "system",
			Name:      "ready",
			Help:      "1 when safety_ok && communication_ok && control_ok, 0 otherwise.",
		}),

		SystemEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "system",
			Name:      "events_dropped_total",
			Help:      "Total system controller events dropped due to queue overflow.",
		}),

		BusCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "bus",
			Name:      "cache_hits_total",
			Help:      "Total register reads served from the cache without a transport round trip.",
		}),

		BusCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oht50",
			Subsystem: "bus",
			Name:      "cache_misses_total",
			Help:      "Total register reads that fell through to the transport.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oht50",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oht50",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of safety-transition ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oht50",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.SchedulerTasksExecutedTotal,
		m.SchedulerDeadlineMissesTotal,
		m.ControlCycleLatency,
		m.ControlMissedDeadlinesTotal,
		m.ControlStateGauge,
		m.SafetyTransitionsTotal,
		m.SafetyMinDistanceMM,
		m.SafetyViolationsTotal,
		m.SafetyEstopLatency,
		m.SystemReadyGauge,
		m.SystemEventsDroppedTotal,
		m.BusCacheHitsTotal,
		m.BusCacheMissesTotal,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
