// Package operator implements the Unix domain socket server operators use
// to issue safety-relevant commands without restarting the daemon.
//
// Protocol: one JSON request, one JSON response, per connection.
// Socket path: /run/oht50/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"estop","reason":"operator request"}
//	  → Triggers an emergency stop: software E-Stop latch, relay
//	    de-energise, LED pattern, transition to estop.
//	  → Response: {"ok":true,"state":"estop"}
//
//	{"cmd":"reset"}
//	  → Clears the software E-Stop latch, then attempts a safety reset.
//	    Refused while the hardware E-Stop line is still asserted.
//	  → Response: {"ok":true,"state":"safe"}
//
//	{"cmd":"zone_set","profile":1,"emergency_mm":500,"warning_mm":1000,"safe_mm":2000}
//	  → Replaces one zone profile slot. Rejected if the ordering
//	    invariant (emergency < warning < safe) does not hold.
//	  → Response: {"ok":true,"profile":1} (profile is omitted when it is 0)
//
//	{"cmd":"status"}
//	  → Returns the current safety and system controller state.
//	  → Response: {"ok":true,"safety_state":"safe","system_state":"active","system_ready":true,...}
//
//	{"cmd":"list"}
//	  → Returns all eight configured zone profiles.
//	  → Response: {"ok":true,"zones":[{"profile":0,"enabled":true,...}, ...]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/safety"
	"github.com/oht50/firmware/internal/supervisor"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// SafetyController is the subset of *safety.Monitor the operator socket
// drives. Declared locally so this package stays mockable in tests.
type SafetyController interface {
	TriggerEmergencyStop(reason string) error
	Reset() error
	ProcessEvent(kind safety.EventKind, detail string) error
	SetZoneProfile(idx int, cfg safety.ZoneConfig) error
	ZoneProfile(idx int) (safety.ZoneConfig, error)
	Snapshot() safety.Snapshot
}

// SystemStatus is the subset of *supervisor.Controller the operator socket
// reads for the status command.
type SystemStatus interface {
	Snapshot() supervisor.Snapshot
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd         string  `json:"cmd"` // estop | reset | zone_set | status | list
	Reason      string  `json:"reason,omitempty"`
	Profile     int     `json:"profile,omitempty"`
	EmergencyMM float64 `json:"emergency_mm,omitempty"`
	WarningMM   float64 `json:"warning_mm,omitempty"`
	SafeMM      float64 `json:"safe_mm,omitempty"`
}

// ZoneStatus is one entry in the list-command response.
type ZoneStatus struct {
	Profile     int     `json:"profile"`
	Enabled     bool    `json:"enabled"`
	EmergencyMM float64 `json:"emergency_mm"`
	WarningMM   float64 `json:"warning_mm"`
	SafeMM      float64 `json:"safe_mm"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK              bool         `json:"ok"`
	Error           string       `json:"error,omitempty"`
	State           string       `json:"state,omitempty"`
	Profile         int          `json:"profile,omitempty"`
	SafetyState     string       `json:"safety_state,omitempty"`
	SystemState     string       `json:"system_state,omitempty"`
	SystemReady     bool         `json:"system_ready,omitempty"`
	MinDistanceMM   float64      `json:"min_distance_mm,omitempty"`
	EstopActive     bool         `json:"estop_active,omitempty"`
	Zones           []ZoneStatus `json:"zones,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	safety     SafetyController
	system     SystemStatus
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, safetyCtl SafetyController, system SystemStatus, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		safety:     safetyCtl,
		system:     system,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "estop":
		return s.cmdEstop(req)
	case "reset":
		return s.cmdReset()
	case "zone_set":
		return s.cmdZoneSet(req)
	case "status":
		return s.cmdStatus()
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdEstop(req Request) Response {
	reason := req.Reason
	if reason == "" {
		reason = "operator command"
	}
	if err := s.safety.TriggerEmergencyStop(reason); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Warn("operator: emergency stop triggered", zap.String("reason", reason))
	return Response{OK: true, State: s.safety.Snapshot().State.String()}
}

func (s *Server) cmdReset() Response {
	// "reset" is the operator's single deliberate recovery action: it
	// acknowledges and clears the software latch, then attempts Reset.
	// Reset still refuses on its own if the hardware line is asserted, so
	// this command alone can never clear a live hardware trip.
	_ = s.safety.ProcessEvent(safety.EventEstopRelease, "operator reset request")
	if err := s.safety.Reset(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: safety reset accepted")
	return Response{OK: true, State: s.safety.Snapshot().State.String()}
}

func (s *Server) cmdZoneSet(req Request) Response {
	cfg := safety.ZoneConfig{Enabled: true, EmergencyMM: req.EmergencyMM, WarningMM: req.WarningMM, SafeMM: req.SafeMM}
	if err := s.safety.SetZoneProfile(req.Profile, cfg); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: zone profile replaced", zap.Int("profile", req.Profile))
	return Response{OK: true, Profile: req.Profile}
}

func (s *Server) cmdStatus() Response {
	safetySnap := s.safety.Snapshot()
	resp := Response{
		OK:            true,
		SafetyState:   safetySnap.State.String(),
		MinDistanceMM: safetySnap.MinDistanceMM,
		EstopActive:   safetySnap.EstopActive,
	}
	if s.system != nil {
		sysSnap := s.system.Snapshot()
		resp.SystemState = sysSnap.State.String()
		resp.SystemReady = sysSnap.Ready
	}
	return resp
}

func (s *Server) cmdList() Response {
	zones := make([]ZoneStatus, 0, safety.MaxZoneProfiles)
	for i := 0; i < safety.MaxZoneProfiles; i++ {
		cfg, err := s.safety.ZoneProfile(i)
		if err != nil {
			continue
		}
		zones = append(zones, ZoneStatus{
			Profile:     i,
			Enabled:     cfg.Enabled,
			EmergencyMM: cfg.EmergencyMM,
			WarningMM:   cfg.WarningMM,
			SafeMM:      cfg.SafeMM,
		})
	}
	return Response{OK: true, Zones: zones}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
