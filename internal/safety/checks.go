package safety

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Bounds on the configured-entry arrays (spec data model: 16 interlocks,
// 32 sensors).
const (
	MaxInterlocks = 16
	MaxSensors    = 32
)

// RegisterReader is the minimal field-bus capability the interlock and
// sensor checks need: read one register and report whether the read
// succeeded. Implemented by bus.Cache; kept as a small local interface so
// this package does not need to import bus directly and stays testable with
// a small in-memory fake.
type RegisterReader interface {
	ReadRegister(moduleAddr byte, registerAddr uint16) (value uint16, ok bool, err error)
}

// InterlockConfig describes one physical/logical precondition read from a
// module register. ExpectedClosed is the register value meaning "motion
// permitted" (e.g. door-closed switch reads 1 when satisfied).
type InterlockConfig struct {
	Name           string
	ModuleAddr     byte
	RegisterAddr   uint16
	ExpectedClosed bool
}

// SensorConfig describes one module health/presence register to poll.
type SensorConfig struct {
	Name         string
	ModuleAddr   byte
	RegisterAddr uint16
}

// checkResult is the outcome of evaluating one configured entry.
type checkResult struct {
	name      string
	satisfied bool
	err       error
}

// runThresholdChecks is the single generic routine interlock, sensor, and
// (conceptually) watchdog checks share: iterate configured entries, read
// the current value, compare against the expected state, and report a
// flag per entry. Interlock, sensor, and watchdog checks are structurally
// identical per the component design; only the comparison and the
// transition it triggers differ, which the caller supplies.
func runThresholdChecks[T any](
	entries []T,
	read func(T) (value uint16, ok bool, err error),
	satisfied func(T, uint16) bool,
	name func(T) string,
) []checkResult {
	results := make([]checkResult, 0, len(entries))
	for _, e := range entries {
		val, ok, err := read(e)
		switch {
		case err != nil:
			results = append(results, checkResult{name: name(e), satisfied: false, err: err})
		case !ok:
			results = append(results, checkResult{name: name(e), satisfied: false, err: fmt.Errorf("no data")})
		default:
			results = append(results, checkResult{name: name(e), satisfied: satisfied(e, val)})
		}
	}
	return results
}

// checkInterlocks reads each configured interlock register and reports
// which are open (violating). A read error or missing data counts as a
// violation — the safety argument treats "unknown" as "not satisfied".
func (m *Monitor) checkInterlocks() {
	m.mu.Lock()
	entries := append([]InterlockConfig(nil), m.interlocks...)
	reader := m.registers
	m.mu.Unlock()
	if reader == nil || len(entries) == 0 {
		return
	}

	results := runThresholdChecks(entries,
		func(e InterlockConfig) (uint16, bool, error) { return reader.ReadRegister(e.ModuleAddr, e.RegisterAddr) },
		func(e InterlockConfig, v uint16) bool {
			closed := v != 0
			return closed == e.ExpectedClosed
		},
		func(e InterlockConfig) string { return e.Name },
	)

	anyOpen := false
	for _, r := range results {
		if !r.satisfied {
			anyOpen = true
			m.logCheckFailure("interlock", r)
		}
	}
	m.mu.Lock()
	m.interlockViolated = anyOpen
	m.mu.Unlock()
	if anyOpen {
		_ = m.processEventLocked(EventInterlockOpen, "interlock open")
	}
}

// checkSensors polls each configured sensor register. A failed read is a
// sensor fault; accumulated sensor faults are a communication-health input,
// never fatal on their own path.
func (m *Monitor) checkSensors() {
	m.mu.Lock()
	entries := append([]SensorConfig(nil), m.sensors...)
	reader := m.registers
	m.mu.Unlock()
	if reader == nil || len(entries) == 0 {
		return
	}

	results := runThresholdChecks(entries,
		func(e SensorConfig) (uint16, bool, error) { return reader.ReadRegister(e.ModuleAddr, e.RegisterAddr) },
		func(_ SensorConfig, v uint16) bool { return v != 0 },
		func(e SensorConfig) string { return e.Name },
	)

	anyFault := false
	for _, r := range results {
		if !r.satisfied {
			anyFault = true
			m.logCheckFailure("sensor", r)
		}
	}
	m.mu.Lock()
	m.sensorFaulted = anyFault
	m.mu.Unlock()
	if anyFault {
		_ = m.processEventLocked(EventSensorFault, "sensor fault")
	}
}

// PetWatchdog records a heartbeat. Called by whichever subsystem owns the
// liveness signal the watchdog supervises (typically the control loop's
// telemetry hook).
func (m *Monitor) PetWatchdog() {
	m.mu.Lock()
	m.lastWatchdogPet = m.clock.Now()
	m.mu.Unlock()
}

// checkWatchdog transitions to fault if no pet has been recorded within the
// configured timeout.
func (m *Monitor) checkWatchdog(timeout time.Duration) {
	m.mu.Lock()
	expired := m.clock.Now().Sub(m.lastWatchdogPet) > timeout
	m.mu.Unlock()
	if expired {
		_ = m.processEventLocked(EventWatchdogExpired, "watchdog timeout")
	}
}

func (m *Monitor) logCheckFailure(kind string, r checkResult) {
	if m.log == nil {
		return
	}
	if r.err != nil {
		m.log.Warn("safety: check failed", zap.String("kind", kind), zap.String("name", r.name), zap.Error(r.err))
	} else {
		m.log.Warn("safety: check deviation", zap.String("kind", kind), zap.String("name", r.name))
	}
}
