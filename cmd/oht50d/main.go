// Package main — cmd/oht50d/main.go
//
// OHT-50 master module firmware daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/oht50/config.yaml.
//  2. Initialise structured logger (zap, configurable level/format).
//  3. Open BoltDB storage, prune stale ledger entries.
//  4. Open the field-bus register cache.
//  5. Construct the safety monitor (fatal if E-Stop HAL init fails).
//  6. Restore persisted zone profiles from storage.
//  7. Construct the system controller.
//  8. Construct the scheduler and the control loop, register the loop's task.
//  9. Register the cadenced zone-check task.
// 10. Mark the system controller idle: init complete, all subsystem
//     ready-checks passed.
// 11. Start the scheduler dispatcher.
// 12. Start the Prometheus metrics server.
// 13. Start the operator Unix-socket server (if enabled).
// 14. Start the HTTP/WebSocket API server.
// 15. Register SIGHUP handler for config hot-reload.
// 16. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Stop the control loop, then the scheduler dispatcher.
//  3. The safety monitor is left as it is: its relays are de-energised
//     only on entry to estop, and shutdown runs no emergency procedure
//     of its own, in estop, critical or any other state.
//  4. Close the BoltDB database.
//  5. Flush the logger.
//  6. Exit 0.
//
// On a hard-blocking subsystem init failure (config, scheduler, safety
// monitor E-Stop input), the daemon exits 1 immediately with no partial
// startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/api"
	"github.com/oht50/firmware/internal/bus"
	"github.com/oht50/firmware/internal/clock"
	"github.com/oht50/firmware/internal/config"
	"github.com/oht50/firmware/internal/control"
	"github.com/oht50/firmware/internal/hal"
	"github.com/oht50/firmware/internal/observability"
	"github.com/oht50/firmware/internal/operator"
	"github.com/oht50/firmware/internal/safety"
	"github.com/oht50/firmware/internal/scheduler"
	"github.com/oht50/firmware/internal/storage"
	"github.com/oht50/firmware/internal/supervisor"

	"github.com/oht50/firmware/contrib"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/oht50/config.yaml", "Path to config.yaml")
	printVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("oht50d %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ──────────────────────────────────────────────
	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("oht50d starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ────────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.LedgerRetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	pruned, err := db.PruneOldLedgerEntries()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	clk := clock.Monotonic{}

	// ── Step 4: Field-bus register cache ──────────────────────────────────────
	// Real RS-485 transport is out of scope for this repository (spec: "the
	// serial field-bus transport ... whose internals we do not specify").
	// The fake transport stands in for it; a production deployment supplies a
	// real bus.Transport implementation here without touching anything else
	// in this file.
	transport := bus.NewFakeTransport()
	regCache := bus.NewCache(transport, cfg.Bus.CacheMaxAge, clk)
	log.Info("field-bus register cache ready", zap.String("device", cfg.Bus.DevicePath), zap.Int("baud", cfg.Bus.BaudRate))

	metrics := observability.NewMetrics()

	// ── Step 5: Safety monitor ─────────────────────────────────────────────────
	// HAL shims (E-Stop, LEDs, relays) are likewise out of scope internals;
	// the in-memory fakes are the shim this repository ships.
	sched := scheduler.New(cfg.Scheduler.Capacity, log, scheduler.WithTick(cfg.Scheduler.Tick), scheduler.WithClock(clk))
	loop := control.New(log, clk, cfg.Control.LatencyBufferSize)

	// LiDARSource is likewise out of scope internals (real scan ingestion
	// is a serial/USB driver this repository does not specify); the fake
	// stands in for it, defaulting to an all-clear scan until something
	// (the simulator, a test, or a future real driver) calls SetScan.
	lidar := &hal.FakeLiDAR{}

	mon, err := safety.New(safety.Config{
		EstopInput: &hal.FakeEStop{},
		LEDs:       &hal.FakeLEDs{},
		Relays:     &hal.FakeRelays{},
		Registers:  regCache,
		InitialZone: safety.ZoneConfig{
			Enabled:     true,
			EmergencyMM: cfg.Safety.EmergencyMM,
			WarningMM:   cfg.Safety.WarningMM,
			SafeMM:      cfg.Safety.SafeMM,
		},
		EmergencyCallback: func(reason string) {
			loop.ForceEstop()
			log.Warn("safety: emergency callback fired", zap.String("reason", reason))
		},
		Clock: clk,
		Log:   log,
	})
	if err != nil {
		log.Fatal("safety monitor init failed", zap.Error(err))
	}
	log.Info("safety monitor initialised", zap.String("state", mon.State().String()))

	// ── Step 6: Restore persisted zone profiles ───────────────────────────────
	for i := 0; i < safety.MaxZoneProfiles; i++ {
		rec, err := db.GetZone(i)
		if err != nil {
			log.Warn("zone restore read failed", zap.Int("profile", i), zap.Error(err))
			continue
		}
		if rec == nil {
			continue
		}
		cfg := safety.ZoneConfig{Enabled: rec.Enabled, EmergencyMM: rec.EmergencyMM, WarningMM: rec.WarningMM, SafeMM: rec.SafeMM}
		if err := mon.SetZoneProfile(rec.Profile, cfg); err != nil {
			log.Warn("persisted zone profile invalid, keeping factory default", zap.Int("profile", i), zap.Error(err))
			_ = mon.SetZoneProfile(rec.Profile, safety.FactoryDefaultZone())
		}
	}

	// ── Step 7: System controller ──────────────────────────────────────────────
	sup := supervisor.New(supervisor.Config{
		Clock: clk,
		Log:   log,
		EventCallback: func(state supervisor.State, kind supervisor.EventKind, details string) {
			metrics.SystemReadyGauge.Set(boolToFloat(state != supervisor.StateFault && state != supervisor.StateEmergency))
		},
		ErrorCallback: func(err error) {
			metrics.SystemEventsDroppedTotal.Inc()
			log.Error("system controller error", zap.Error(err))
		},
	})

	// ── Step 8: Control loop ────────────────────────────────────────────────────
	strategy, err := contrib.GetStrategy(cfg.Control.Strategy)
	if err != nil {
		log.Fatal("control strategy lookup failed", zap.Error(err))
	}
	log.Info("control strategy selected", zap.String("strategy", strategy.Name()))

	loop.SetSafetyFn(func() {
		mon.Update()
	})
	loop.SetControlFn(func() {
		snap := mon.Snapshot()
		strategy.Compute(contrib.Observation{
			EstopActive:   snap.EstopActive,
			SafetyState:   snap.State.String(),
			MinDistanceMM: snap.MinDistanceMM,
			TimestampUs:   clock.Microseconds(clk.Now()),
		})
	})
	loop.SetTelemetryFn(func() {
		mon.PetWatchdog()
		sup.Update(supervisor.HealthInputs{
			SafetyOK:        mon.IsSafe(),
			CommunicationOK: mon.CommunicationOK(),
			ControlOK:       loop.State() != control.StateFault,
		})
		metrics.SystemReadyGauge.Set(boolToFloat(sup.IsReady()))
	})
	if err := loop.Start(sched); err != nil {
		log.Fatal("control loop registration failed", zap.Error(err))
	}
	loop.EnableLatencyMeasurement(true)

	// ── Step 9: Cadenced zone-check task ──────────────────────────────────────
	// Drives the spec's core data flow end to end inside the running
	// daemon: LiDAR scan -> safety monitor -> zone violation -> estop/LED
	// output, at the configured zone cadence, instead of only being
	// reachable by tests calling the safety package directly.
	zonePeriod := cfg.Safety.ZonePeriod
	if zonePeriod <= 0 {
		zonePeriod = safety.ZonePeriod
	}
	if _, err := sched.AddTask("safety-zone-check", func(any) {
		scan, ok := lidar.LatestScan()
		if !ok {
			return
		}
		mon.UpdateWithLiDAR(scan)
	}, nil, scheduler.PriorityHigh, zonePeriod, zonePeriod*2); err != nil {
		log.Warn("failed to register zone-check task", zap.Error(err))
	}

	// ── Step 10: Mark subsystem init complete ─────────────────────────────────
	// Every subsystem ready-check above has already either succeeded or
	// failed fatally, so the controller can leave init for idle now; it
	// only becomes active once an operator (or automation) later calls
	// Activate, which itself still requires a green Update health report.
	if err := sup.SetState(supervisor.StateIdle); err != nil {
		log.Fatal("supervisor init-complete transition failed", zap.Error(err))
	}
	log.Info("system controller idle: init complete, all subsystem ready-checks passed")

	// ── Step 11: Start the scheduler dispatcher ───────────────────────────────
	sched.Start()
	log.Info("scheduler dispatcher started", zap.Int("capacity", cfg.Scheduler.Capacity))

	// ── Step 12: Prometheus metrics ───────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 13: Operator Unix-socket server ──────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, mon, sup, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 14: HTTP/WebSocket API server ────────────────────────────────────
	apiSrv := api.New(api.Config{
		BearerToken: cfg.API.BearerToken,
		Safety:      mon,
		System:      sup,
		Control:     loop,
		Scheduler:   sched,
		Log:         log,
	})
	go func() {
		if err := apiSrv.ListenAndServe(ctx, cfg.API.ListenAddr); err != nil {
			log.Error("api server error", zap.Error(err))
		}
	}()
	log.Info("api server started", zap.String("addr", cfg.API.ListenAddr))

	// ── Step 15: SIGHUP hot-reload ─────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful: non-destructive fields applied",
				zap.Float64("emergency_mm", newCfg.Safety.EmergencyMM),
				zap.Float64("warning_mm", newCfg.Safety.WarningMM),
				zap.Float64("safe_mm", newCfg.Safety.SafeMM))
			if err := mon.SetZoneProfile(0, safety.ZoneConfig{
				Enabled:     true,
				EmergencyMM: newCfg.Safety.EmergencyMM,
				WarningMM:   newCfg.Safety.WarningMM,
				SafeMM:      newCfg.Safety.SafeMM,
			}); err != nil {
				log.Error("hot-reload zone apply rejected, previous zones retained", zap.Error(err))
			}
		}
	}()

	// ── Step 16: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	loop.Stop()
	sched.Stop()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("oht50d shutdown complete")
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
