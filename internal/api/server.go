// Package api implements the HTTP read/write surface and WebSocket telemetry
// push the core exposes as an external shim (spec.md §6 "HTTP/WebSocket
// surface"). The core never parses HTTP itself — this package is that
// parsing layer, translating requests into the in-process operations of
// internal/safety, internal/supervisor, internal/control, and
// internal/scheduler.
//
// Endpoints:
//
//	GET  /api/v1/status              system + safety state, E-Stop flag, last fault
//	GET  /api/v1/control/stats       control-loop cycle/latency stats
//	GET  /api/v1/scheduler/stats     per-task execution/deadline-miss stats
//	GET  /api/v1/safety/zones        current zone profiles + live min-distance
//	POST /api/v1/estop               {"reason": "..."}
//	POST /api/v1/safety/reset
//	POST /api/v1/safety/zones        {"profile":0,"emergency_mm":...,"warning_mm":...,"safe_mm":...}
//	POST /api/v1/system/activate
//	POST /api/v1/system/deactivate
//	GET  /ws                         telemetry push (read-only, unauthenticated)
//
// Authentication: every POST (write) endpoint requires "Authorization:
// Bearer <token>" matching config.APIConfig.BearerToken, checked by the
// authenticate middleware. GET (read) endpoints are unauthenticated, per
// spec: "Read requests on the public status endpoints do not require it."
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/control"
	"github.com/oht50/firmware/internal/safety"
	"github.com/oht50/firmware/internal/scheduler"
	"github.com/oht50/firmware/internal/supervisor"
)

// SafetyController is the subset of *safety.Monitor the API surface drives.
type SafetyController interface {
	Snapshot() safety.Snapshot
	TriggerEmergencyStop(reason string) error
	Reset() error
	ProcessEvent(kind safety.EventKind, detail string) error
	SetZoneProfile(idx int, cfg safety.ZoneConfig) error
	ZoneProfile(idx int) (safety.ZoneConfig, error)
}

// SystemController is the subset of *supervisor.Controller the API surface
// drives.
type SystemController interface {
	Snapshot() supervisor.Snapshot
	Activate() error
	Deactivate() error
}

// ControlStats is the subset of *control.Loop the API surface reads.
type ControlStats interface {
	GetStats() control.Stats
	GetLatencyStats() control.LatencyStats
	State() control.State
}

// SchedulerStats is the subset of *scheduler.Scheduler the API surface reads.
type SchedulerStats interface {
	DescribeAll() []scheduler.TaskSnapshot
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	telemetryEvery = 250 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP + WebSocket API surface.
type Server struct {
	bearerToken string

	safety  SafetyController
	system  SystemController
	control ControlStats
	sched   SchedulerStats

	log *zap.Logger

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
}

// Config bundles the collaborators Server dispatches to.
type Config struct {
	BearerToken string
	Safety      SafetyController
	System      SystemController
	Control     ControlStats
	Scheduler   SchedulerStats
	Log         *zap.Logger
}

// New constructs an API Server.
func New(cfg Config) *Server {
	return &Server{
		bearerToken: cfg.BearerToken,
		safety:      cfg.Safety,
		system:      cfg.System,
		control:     cfg.Control,
		sched:       cfg.Scheduler,
		log:         cfg.Log,
		clients:     make(map[*websocket.Conn]struct{}),
	}
}

// Handler builds the http.Handler for this server, suitable for
// http.Server.Handler or a test httptest.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/control/stats", s.handleControlStats)
	mux.HandleFunc("/api/v1/scheduler/stats", s.handleSchedulerStats)
	mux.HandleFunc("/api/v1/safety/zones", s.handleZones)
	mux.HandleFunc("/api/v1/estop", s.authenticate(s.handleEstop))
	mux.HandleFunc("/api/v1/safety/reset", s.authenticate(s.handleReset))
	mux.HandleFunc("/api/v1/system/activate", s.authenticate(s.handleActivate))
	mux.HandleFunc("/api/v1/system/deactivate", s.authenticate(s.handleDeactivate))
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe starts the HTTP server on addr and starts the telemetry
// broadcaster. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.broadcastTelemetry(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	return nil
}

// authenticate wraps a write-endpoint handler with bearer-token validation.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.bearerToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid bearer token"})
			return
		}
		next(w, r)
	}
}

// ─── Read endpoints ────────────────────────────────────────────────────────

type statusResponse struct {
	SystemState      string  `json:"system_state"`
	SystemReady      bool    `json:"system_ready"`
	SafetyState      string  `json:"safety_state"`
	EstopActive      bool    `json:"estop_active"`
	LastFaultCode    string  `json:"last_fault_code"`
	LastEstopLatency string  `json:"last_estop_latency"`
	MinDistanceMM    float64 `json:"min_distance_mm"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET only"})
		return
	}
	safetySnap := s.safety.Snapshot()
	resp := statusResponse{
		SafetyState:      safetySnap.State.String(),
		EstopActive:      safetySnap.EstopActive,
		LastFaultCode:    safetySnap.LastFaultCode,
		LastEstopLatency: safetySnap.LastEstopLatency.String(),
		MinDistanceMM:    safetySnap.MinDistanceMM,
	}
	if s.system != nil {
		sysSnap := s.system.Snapshot()
		resp.SystemState = sysSnap.State.String()
		resp.SystemReady = sysSnap.Ready
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleControlStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET only"})
		return
	}
	if s.control == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "control loop not available"})
		return
	}
	stats := s.control.GetStats()
	lat := s.control.GetLatencyStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":                s.control.State().String(),
		"total_cycles":         stats.TotalCycles,
		"missed_deadlines":     stats.MissedDeadlines,
		"last_cycle_time":      stats.LastCycleTime.String(),
		"total_execution_time": stats.TotalExecutionTime.String(),
		"latency_samples":      lat.Count,
		"latency_min":          lat.Min.String(),
		"latency_max":          lat.Max.String(),
		"latency_avg":          lat.Avg.String(),
		"latency_jitter":       lat.Jitter.String(),
	})
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET only"})
		return
	}
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not available"})
		return
	}
	tasks := s.sched.DescribeAll()
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"name":             t.Name,
			"priority":         t.Priority.String(),
			"state":            t.State.String(),
			"execution_count":  t.ExecutionCount,
			"missed_deadlines": t.MissedDeadlines,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		out := make([]map[string]any, 0, safety.MaxZoneProfiles)
		for i := 0; i < safety.MaxZoneProfiles; i++ {
			cfg, err := s.safety.ZoneProfile(i)
			if err != nil {
				continue
			}
			out = append(out, map[string]any{
				"profile":      i,
				"enabled":      cfg.Enabled,
				"emergency_mm": cfg.EmergencyMM,
				"warning_mm":   cfg.WarningMM,
				"safe_mm":      cfg.SafeMM,
			})
		}
		snap := s.safety.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"zones":           out,
			"min_distance_mm": snap.MinDistanceMM,
			"min_angle_deg":   snap.MinAngleDeg,
		})
	case http.MethodPost:
		s.authenticate(s.handleZoneSet)(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET or POST only"})
	}
}

// ─── Write endpoints ───────────────────────────────────────────────────────

type estopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEstop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	var req estopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "API request"
	}
	if err := s.safety.TriggerEmergencyStop(req.Reason); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if s.log != nil {
		s.log.Warn("api: emergency stop requested", zap.String("reason", req.Reason))
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.safety.Snapshot().State.String()})
}

// handleReset is the operator's explicit, deliberate acknowledgement: it
// clears the software E-Stop latch (a no-op if already clear) and then
// attempts Reset. Reset still fails on its own if the hardware line is
// still asserted, so this alone can never recover a live hardware trip.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	_ = s.safety.ProcessEvent(safety.EventEstopRelease, "operator reset request")
	if err := s.safety.Reset(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.safety.Snapshot().State.String()})
}

type zoneSetRequest struct {
	Profile     int     `json:"profile"`
	EmergencyMM float64 `json:"emergency_mm"`
	WarningMM   float64 `json:"warning_mm"`
	SafeMM      float64 `json:"safe_mm"`
}

func (s *Server) handleZoneSet(w http.ResponseWriter, r *http.Request) {
	var req zoneSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	cfg := safety.ZoneConfig{Enabled: true, EmergencyMM: req.EmergencyMM, WarningMM: req.WarningMM, SafeMM: req.SafeMM}
	if err := s.safety.SetZoneProfile(req.Profile, cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"profile": req.Profile})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	if s.system == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "system controller not available"})
		return
	}
	if err := s.system.Activate(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.system.Snapshot().State.String()})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	if s.system == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "system controller not available"})
		return
	}
	if err := s.system.Deactivate(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.system.Snapshot().State.String()})
}

// ─── WebSocket telemetry push ──────────────────────────────────────────────

// handleWebSocket upgrades the connection and registers it for telemetry
// broadcast. Read-only: the client's inbound messages are drained and
// discarded (used only to observe pong control frames for liveness).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warn("api: websocket upgrade failed", zap.Error(err))
		}
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readPump(conn)
}

// readPump drains inbound frames until the connection closes, then
// deregisters the client. gorilla/websocket requires a continuous reader to
// process control frames (ping/pong/close).
func (s *Server) readPump(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	_ = conn.Close()
}

type telemetryFrame struct {
	Timestamp     time.Time `json:"timestamp"`
	SystemState   string    `json:"system_state"`
	SafetyState   string    `json:"safety_state"`
	EstopActive   bool      `json:"estop_active"`
	MinDistanceMM float64   `json:"min_distance_mm"`
}

// broadcastTelemetry periodically pushes a telemetry frame to every
// connected WebSocket client, and pings idle connections to keep NAT/LB
// timeouts from closing them.
func (s *Server) broadcastTelemetry(ctx context.Context) {
	dataTicker := time.NewTicker(telemetryEvery)
	defer dataTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAllClients()
			return
		case <-dataTicker.C:
			s.pushTelemetryFrame()
		case <-pingTicker.C:
			s.pingAllClients()
		}
	}
}

func (s *Server) pushTelemetryFrame() {
	safetySnap := s.safety.Snapshot()
	frame := telemetryFrame{
		Timestamp:     time.Now(),
		SafetyState:   safetySnap.State.String(),
		EstopActive:   safetySnap.EstopActive,
		MinDistanceMM: safetySnap.MinDistanceMM,
	}
	if s.system != nil {
		frame.SystemState = s.system.Snapshot().State.String()
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			go s.removeClient(conn)
		}
	}
}

func (s *Server) pingAllClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			go s.removeClient(conn)
		}
	}
}

func (s *Server) closeAllClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
