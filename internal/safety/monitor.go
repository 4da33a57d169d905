package safety

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/clock"
	"github.com/oht50/firmware/internal/hal"
)

// Cadences and their budgets, per the component design. Update is called
// at high frequency (from the control loop's safety hook, sub-10ms) and
// fires each sub-check only once its own period has elapsed, tracked as a
// separate lastX timestamp per check — interlocks, sensors, and the
// watchdog run at independent cadences even though they share one entry
// point.
const (
	EstopSamplePeriod      = 100 * time.Microsecond
	ZonePeriod             = 50 * time.Millisecond
	InterlockPeriod        = 20 * time.Millisecond
	SensorPeriod           = 100 * time.Millisecond
	WatchdogPeriod         = time.Second
	CriticalHealthPeriod   = 100 * time.Millisecond
)

// Config is the monitor's construction-time configuration.
type Config struct {
	EstopInput hal.EStopInput
	LEDs       hal.LEDDriver
	Relays     hal.RelayDriver
	Registers  RegisterReader

	InitialZone ZoneConfig

	// EmergencyCallback is invoked synchronously on entry to estop, after
	// relays are de-energised and LEDs updated. May be nil.
	EmergencyCallback func(reason string)

	Clock clock.Source
	Log   *zap.Logger
}

// Monitor is the safety monitor: the richest state in the firmware.
type Monitor struct {
	mu sync.Mutex

	state          State
	prevState      State
	stateEntryTime time.Time
	lastEvent      EventKind

	lastInterlockCheck time.Time
	lastSensorCheck    time.Time
	lastWatchdogCheck  time.Time

	transitionCount uint64
	violationCount  uint64
	faultCount      uint64
	recoveryCount   uint64
	eventCounts     map[EventKind]uint64

	hwActive            bool
	swActive            bool
	lastEstopCheckTime  time.Time
	measuredEstopLatency time.Duration

	zoneProfiles      [MaxZoneProfiles]ZoneConfig
	minDistanceMM     float64
	minAngleDeg       float64
	emergencyViolated bool
	warningViolated   bool
	safeViolated      bool
	lastViolationTime time.Time
	zonesEnabled      bool

	interlocks        []InterlockConfig
	interlockViolated bool
	sensors           []SensorConfig
	sensorFaulted     bool
	lastWatchdogPet   time.Time

	commsOK      bool
	lastFaultCode string

	estopInput hal.EStopInput
	leds       hal.LEDDriver
	relays     hal.RelayDriver
	registers  RegisterReader

	emergencyCallback func(reason string)

	clock clock.Source
	log   *zap.Logger
}

// New initialises the safety monitor and its dependent HAL shims. LED and
// relay init failures degrade to headless mode (logged, not fatal); E-Stop
// input init failure is returned — the safety argument cannot hold without
// a working E-Stop line.
func New(cfg Config) (*Monitor, error) {
	if cfg.EstopInput == nil {
		return nil, fmt.Errorf("safety: New: EstopInput is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Monotonic{}
	}

	now := cfg.Clock.Now()
	m := &Monitor{
		state:             StateInit,
		prevState:         StateInit,
		stateEntryTime:    now,
		eventCounts:       make(map[EventKind]uint64),
		lastEstopCheckTime: now,
		lastInterlockCheck: now,
		lastSensorCheck:    now,
		lastWatchdogCheck:  now,
		lastWatchdogPet:   now,
		zonesEnabled:      true,
		commsOK:           true,
		estopInput:        cfg.EstopInput,
		leds:              cfg.LEDs,
		relays:            cfg.Relays,
		registers:         cfg.Registers,
		emergencyCallback: cfg.EmergencyCallback,
		clock:             cfg.Clock,
		log:               cfg.Log,
	}

	if err := m.estopInput.Init(); err != nil {
		return nil, fmt.Errorf("safety: New: E-Stop input init failed: %w", err)
	}

	zone := cfg.InitialZone
	if zone.EmergencyMM == 0 && zone.WarningMM == 0 && zone.SafeMM == 0 {
		zone = FactoryDefaultZone()
	}
	m.zoneProfiles[0] = zone

	if m.leds != nil {
		if err := m.leds.Init(); err != nil {
			if m.log != nil {
				m.log.Warn("safety: LED init failed, continuing headless", zap.Error(err))
			}
			m.leds = nil
		}
	}
	if m.relays != nil {
		if err := m.relays.Init(); err != nil {
			if m.log != nil {
				m.log.Warn("safety: relay init failed, continuing headless", zap.Error(err))
			}
			m.relays = nil
		}
	}

	if err := m.transition(StateSafe, "init complete"); err != nil {
		return nil, fmt.Errorf("safety: New: initial transition failed: %w", err)
	}
	return m, nil
}

// State returns the current safety state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot is a point-in-time read of the fields the system controller and
// the HTTP stats surface need.
type Snapshot struct {
	State             State
	EstopActive       bool
	HardwareActive    bool
	SoftwareActive    bool
	MinDistanceMM     float64
	MinAngleDeg       float64
	EmergencyViolated bool
	WarningViolated   bool
	SafeViolated      bool
	LastFaultCode     string
	LastEstopLatency  time.Duration
	Stats             Stats
}

// Snapshot returns a consistent point-in-time view of the monitor.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[EventKind]uint64, len(m.eventCounts))
	for k, v := range m.eventCounts {
		counts[k] = v
	}
	return Snapshot{
		State:             m.state,
		EstopActive:       m.hwActive || m.swActive,
		HardwareActive:    m.hwActive,
		SoftwareActive:    m.swActive,
		MinDistanceMM:     m.minDistanceMM,
		MinAngleDeg:       m.minAngleDeg,
		EmergencyViolated: m.emergencyViolated,
		WarningViolated:   m.warningViolated,
		SafeViolated:      m.safeViolated,
		LastFaultCode:     m.lastFaultCode,
		LastEstopLatency:  m.measuredEstopLatency,
		Stats: Stats{
			ViolationCount:  m.violationCount,
			FaultCount:      m.faultCount,
			TransitionCount: m.transitionCount,
			RecoveryCount:   m.recoveryCount,
			EventCounts:     counts,
		},
	}
}

// IsSafe reports whether the current state permits normal operation. Used
// by the system controller's safety_ok health input.
func (m *Monitor) IsSafe() bool {
	s := m.State()
	return s == StateSafe || s == StateWarning
}

// sampleEstop is the ≤100µs-budget E-Stop check, run at the start of every
// Update call. It is lock-free on the read side (Asserted()); the write
// side (recording the hardware latch and timing the trip) takes the
// monitor lock only after the cheap read.
//
// Releasing the hardware line only clears hwActive — it never clears the
// software latch. The software latch is a separate, explicit
// acknowledgement (ProcessEvent(EventEstopRelease, ...) or Reset's own
// precondition) so that a hoist operator cannot recover from an estop by
// simply letting the physical button pop back out; recovery requires a
// deliberate second action.
func (m *Monitor) sampleEstop() {
	asserted := m.estopInput.Asserted()
	now := m.clock.Now()

	m.mu.Lock()
	wasActive := m.hwActive
	m.hwActive = asserted
	checkTime := m.lastEstopCheckTime
	m.lastEstopCheckTime = now
	if asserted && !wasActive {
		m.measuredEstopLatency = now.Sub(checkTime)
	}
	m.mu.Unlock()

	if asserted && !wasActive {
		_ = m.processEventLocked(EventEstopPress, "hardware E-Stop asserted")
	}
}

// Update runs the cadenced aggregation pass: the E-Stop line is sampled on
// every call, and each of interlocks/sensors/watchdog fires only once its
// own period has elapsed since it last ran. Call at ≤10ms from the control
// loop's safety hook or a dedicated scheduler task; zone evaluation is
// driven separately via UpdateWithLiDAR at its own cadence.
func (m *Monitor) Update() {
	m.sampleEstop()

	now := m.clock.Now()
	m.mu.Lock()
	dueInterlock := now.Sub(m.lastInterlockCheck) >= InterlockPeriod
	dueSensor := now.Sub(m.lastSensorCheck) >= SensorPeriod
	dueWatchdog := now.Sub(m.lastWatchdogCheck) >= WatchdogPeriod
	if dueInterlock {
		m.lastInterlockCheck = now
	}
	if dueSensor {
		m.lastSensorCheck = now
	}
	if dueWatchdog {
		m.lastWatchdogCheck = now
	}
	m.mu.Unlock()

	if dueInterlock {
		m.checkInterlocks()
	}
	if dueSensor {
		m.checkSensors()
	}
	if dueWatchdog {
		m.checkWatchdog(WatchdogPeriod)
	}
}

// UpdateWithLiDAR is the Update variant that also recomputes zone
// violations from a fresh scan.
func (m *Monitor) UpdateWithLiDAR(scan hal.LiDARScan) {
	m.Update()
	m.evaluateZoneScan(scan)
}

// evaluateZoneScan runs the zone algorithm and drives the resulting state
// transition or emergency stop.
func (m *Monitor) evaluateZoneScan(scan hal.LiDARScan) {
	m.mu.Lock()
	if !m.zonesEnabled {
		m.mu.Unlock()
		return
	}
	zone := m.activeZone()
	prevState := m.state
	m.mu.Unlock()

	obs := evaluateZones(scan, zone)

	m.mu.Lock()
	m.minDistanceMM = obs.MinDistanceMM
	m.minAngleDeg = obs.MinAngleDeg
	m.emergencyViolated = obs.EmergencyViolated
	m.warningViolated = obs.WarningViolated
	m.safeViolated = obs.SafeViolated
	if obs.EmergencyViolated || obs.WarningViolated || obs.SafeViolated {
		m.lastViolationTime = m.clock.Now()
		m.violationCount++
	}
	m.mu.Unlock()

	switch {
	case obs.EmergencyViolated:
		_ = m.TriggerEmergencyStop(fmt.Sprintf("zone violation: min distance %.0fmm below emergency threshold", obs.MinDistanceMM))
	case obs.WarningViolated:
		if prevState == StateSafe {
			_ = m.transition(StateWarning, "zone warning violation")
		} else if m.log != nil {
			m.log.Debug("safety: warning zone violated, state unchanged", zap.String("state", prevState.String()))
		}
	case obs.SafeViolated:
		if m.log != nil {
			m.log.Debug("safety: safe zone violated, no state change", zap.Float64("min_distance_mm", obs.MinDistanceMM))
		}
	default:
		if prevState == StateWarning {
			_ = m.transition(StateSafe, "zones clear")
		}
	}
}

// TriggerEmergencyStop latches the software E-Stop, runs the emergency
// procedure (relay de-energisation, LED pattern, callback), and transitions
// to estop. Idempotent: repeated calls while already in estop leave state
// at estop with software_active remaining true.
func (m *Monitor) TriggerEmergencyStop(reason string) error {
	m.mu.Lock()
	m.swActive = true
	m.lastFaultCode = "zone_violation"
	already := m.state == StateEstop
	m.mu.Unlock()

	if already {
		return nil
	}
	return m.transition(StateEstop, reason)
}

// Reset is permitted only when the hardware E-Stop is inactive and the
// software latch has already been cleared (ProcessEvent(EventEstopRelease,
// ...)); otherwise it returns an error and leaves state unchanged. On
// success it clears the violation flags, transitions to safe, and
// re-energises the relay output.
func (m *Monitor) Reset() error {
	m.mu.Lock()
	if m.hwActive {
		m.mu.Unlock()
		return fmt.Errorf("safety: Reset: hardware E-Stop still active")
	}
	if m.swActive {
		m.mu.Unlock()
		return fmt.Errorf("safety: Reset: software E-Stop latch not yet cleared")
	}
	m.emergencyViolated = false
	m.warningViolated = false
	m.safeViolated = false
	m.mu.Unlock()

	if err := m.transition(StateSafe, "explicit safety reset"); err != nil {
		return err
	}
	if m.relays != nil {
		if err := m.relays.Energise(); err != nil && m.log != nil {
			m.log.Error("safety: relay energise failed", zap.Error(err))
		}
	}
	return nil
}

// clearSoftwareLatch clears the software E-Stop latch; callers must then
// call Reset to complete recovery (mirrors the two-step S3 scenario: the
// hardware line is released, then the software latch is cleared, then
// Reset succeeds).
func (m *Monitor) clearSoftwareLatch() {
	m.mu.Lock()
	m.swActive = false
	m.mu.Unlock()
}

// ProcessEvent folds an external event into the state machine.
func (m *Monitor) ProcessEvent(kind EventKind, detail string) error {
	return m.processEventLocked(kind, detail)
}

func (m *Monitor) processEventLocked(kind EventKind, detail string) error {
	m.mu.Lock()
	m.eventCounts[kind]++
	m.lastEvent = kind
	m.mu.Unlock()

	switch kind {
	case EventEstopPress, EventExplicitEstopCommand:
		return m.TriggerEmergencyStop(detail)
	case EventEstopRelease:
		m.clearSoftwareLatch()
		return nil
	case EventInterlockOpen:
		return m.transition(StateWarning, detail)
	case EventSensorFault, EventCommsLost:
		m.mu.Lock()
		m.commsOK = false
		m.mu.Unlock()
		return m.transition(StateCritical, detail)
	case EventWatchdogExpired:
		m.mu.Lock()
		m.faultCount++
		m.lastFaultCode = "watchdog_timeout"
		m.mu.Unlock()
		return m.transition(StateFault, detail)
	case EventSafetyReset:
		return m.Reset()
	default:
		return fmt.Errorf("safety: ProcessEvent: unknown kind %v", kind)
	}
}

// transition attempts from->to, validating against the legal-transition
// table and the estop->safe hardware/software-clear precondition. Leaves
// state unchanged and returns an error on an illegal transition.
func (m *Monitor) transition(to State, reason string) error {
	m.mu.Lock()
	from := m.state
	if !legalTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("safety: illegal transition %s -> %s", from, to)
	}
	if from == StateEstop && to == StateSafe {
		if m.hwActive || m.swActive {
			m.mu.Unlock()
			return fmt.Errorf("safety: estop -> safe requires hardware and software E-Stop both clear")
		}
	}
	if from == to {
		m.mu.Unlock()
		return nil
	}

	m.prevState = from
	m.state = to
	m.stateEntryTime = m.clock.Now()
	m.transitionCount++
	if to == StateSafe && (from == StateFault || from == StateEstop || from == StateCritical) {
		m.recoveryCount++
	}
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("safety: state transition", zap.String("from", from.String()), zap.String("to", to.String()), zap.String("reason", reason))
	}

	m.applyLEDPattern(to)
	if to == StateEstop {
		m.deenergiseRelays()
		if m.emergencyCallback != nil {
			m.emergencyCallback(reason)
		}
	}
	return nil
}

func (m *Monitor) applyLEDPattern(s State) {
	if m.leds == nil {
		return
	}
	var p hal.LEDPattern
	switch s {
	case StateSafe:
		p = hal.LEDAllGreen
	case StateWarning:
		p = hal.LEDSystemFastBlink
	case StateCritical:
		p = hal.LEDErrorSlowBlink
	case StateEstop:
		p = hal.LEDErrorFastBlinkNonEssentialOff
	case StateFault:
		p = hal.LEDErrorSlowBlink
	default:
		return
	}
	if err := m.leds.Set(p); err != nil && m.log != nil {
		m.log.Warn("safety: LED set failed", zap.Error(err))
	}
}

func (m *Monitor) deenergiseRelays() {
	if m.relays == nil {
		return
	}
	if err := m.relays.Deenergise(); err != nil && m.log != nil {
		m.log.Error("safety: relay de-energise failed", zap.Error(err))
	}
}

// SetInterlocks replaces the configured interlock set (bounded at
// MaxInterlocks).
func (m *Monitor) SetInterlocks(cfgs []InterlockConfig) error {
	if len(cfgs) > MaxInterlocks {
		return fmt.Errorf("safety: SetInterlocks: %d exceeds max %d", len(cfgs), MaxInterlocks)
	}
	m.mu.Lock()
	m.interlocks = append([]InterlockConfig(nil), cfgs...)
	m.mu.Unlock()
	return nil
}

// SetSensors replaces the configured sensor set (bounded at MaxSensors).
func (m *Monitor) SetSensors(cfgs []SensorConfig) error {
	if len(cfgs) > MaxSensors {
		return fmt.Errorf("safety: SetSensors: %d exceeds max %d", len(cfgs), MaxSensors)
	}
	m.mu.Lock()
	m.sensors = append([]SensorConfig(nil), cfgs...)
	m.mu.Unlock()
	return nil
}

// CommunicationOK reports the comms-health input the system controller
// reads for its own health aggregation.
func (m *Monitor) CommunicationOK() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commsOK
}

// NoteCommunicationRestored clears the comms-degraded flag set by a prior
// EventCommsLost, without itself driving a state transition — recovery
// from critical requires an explicit reset event per the no-silent-
// auto-recovery rule on safety-relevant paths.
func (m *Monitor) NoteCommunicationRestored() {
	m.mu.Lock()
	m.commsOK = true
	m.mu.Unlock()
}
