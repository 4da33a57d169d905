package safety

import (
	"testing"
	"time"

	"github.com/oht50/firmware/internal/clock"
	"github.com/oht50/firmware/internal/hal"
)

type fakeRegisters struct {
	values map[uint16]uint16
	errs   map[uint16]error
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{values: make(map[uint16]uint16), errs: make(map[uint16]error)}
}

func (f *fakeRegisters) ReadRegister(_ byte, reg uint16) (uint16, bool, error) {
	if err, ok := f.errs[reg]; ok && err != nil {
		return 0, false, err
	}
	v, ok := f.values[reg]
	return v, ok, nil
}

func newTestMonitor(t *testing.T) (*Monitor, *hal.FakeEStop, *hal.FakeLEDs, *hal.FakeRelays, *clock.Fake) {
	t.Helper()
	estop := &hal.FakeEStop{}
	leds := &hal.FakeLEDs{}
	relays := &hal.FakeRelays{}
	fc := clock.NewFake(time.Time{})

	m, err := New(Config{
		EstopInput: estop,
		LEDs:       leds,
		Relays:     relays,
		Registers:  newFakeRegisters(),
		Clock:      fc,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, estop, leds, relays, fc
}

func TestNewRequiresEstopInput(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error when EstopInput is nil")
	}
}

func TestInitTransitionsToSafe(t *testing.T) {
	m, _, leds, _, _ := newTestMonitor(t)
	if got := m.State(); got != StateSafe {
		t.Fatalf("initial state = %v, want safe", got)
	}
	if leds.Last() != hal.LEDAllGreen {
		t.Fatalf("LED pattern = %v, want all-green", leds.Last())
	}
}

// TestEstopPressForcesEstop covers invariant: hardware E-Stop assertion
// always forces the estop state regardless of current state.
func TestEstopPressForcesEstop(t *testing.T) {
	m, estop, leds, relays, _ := newTestMonitor(t)
	estop.Assert()
	m.sampleEstop()

	if got := m.State(); got != StateEstop {
		t.Fatalf("state after E-Stop press = %v, want estop", got)
	}
	if relays.Energised() {
		t.Fatal("relays should be de-energised on entry to estop")
	}
	if leds.Last() != hal.LEDErrorFastBlinkNonEssentialOff {
		t.Fatalf("LED pattern = %v, want error-fast-blink", leds.Last())
	}
}

// TestResetRequiresHardwareClear covers scenario S3: reset is refused while
// the hardware E-Stop line is still asserted, and succeeds only after both
// the hardware line releases and the software latch clears.
func TestResetRequiresHardwareClear(t *testing.T) {
	m, estop, _, _, _ := newTestMonitor(t)
	estop.Assert()
	m.sampleEstop()
	if got := m.State(); got != StateEstop {
		t.Fatalf("state = %v, want estop", got)
	}

	if err := m.Reset(); err == nil {
		t.Fatal("expected Reset to fail while hardware E-Stop still asserted")
	}

	estop.Release()
	m.sampleEstop()

	if err := m.Reset(); err == nil {
		t.Fatal("expected Reset to fail until software latch explicitly cleared")
	}

	m.clearSoftwareLatch()
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset after both clears: %v", err)
	}
	if got := m.State(); got != StateSafe {
		t.Fatalf("state after reset = %v, want safe", got)
	}
}

// TestZoneEmergencyViolationTriggersEstop covers scenario S4: a LiDAR
// reading inside the emergency threshold forces an emergency stop even
// with no E-Stop button involved.
func TestZoneEmergencyViolationTriggersEstop(t *testing.T) {
	m, _, _, _, fc := newTestMonitor(t)
	scan := hal.LiDARScan{
		Points:    []hal.LiDARPoint{{AngleDeg: 0, DistanceMM: 300}},
		Timestamp: fc.Now(),
	}
	m.UpdateWithLiDAR(scan)

	if got := m.State(); got != StateEstop {
		t.Fatalf("state = %v, want estop after emergency zone violation", got)
	}
	snap := m.Snapshot()
	if !snap.EmergencyViolated {
		t.Fatal("expected EmergencyViolated true in snapshot")
	}
}

// TestZoneWarningViolationEntersWarning covers scenario S5: a reading
// between the warning and emergency thresholds moves safe->warning without
// forcing an estop.
func TestZoneWarningViolationEntersWarning(t *testing.T) {
	m, _, _, _, fc := newTestMonitor(t)
	scan := hal.LiDARScan{
		Points:    []hal.LiDARPoint{{AngleDeg: 10, DistanceMM: 700}},
		Timestamp: fc.Now(),
	}
	m.UpdateWithLiDAR(scan)

	if got := m.State(); got != StateWarning {
		t.Fatalf("state = %v, want warning", got)
	}

	clearScan := hal.LiDARScan{
		Points:    []hal.LiDARPoint{{AngleDeg: 10, DistanceMM: 5000}},
		Timestamp: fc.Now(),
	}
	m.UpdateWithLiDAR(clearScan)
	if got := m.State(); got != StateSafe {
		t.Fatalf("state after clear = %v, want safe", got)
	}
}

// TestInterlockOpenEntersWarning checks that an interlock reporting the
// unexpected value drives the warning state and records an interlock_open
// event.
func TestInterlockOpenEntersWarning(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t)
	regs := newFakeRegisters()
	regs.values[10] = 0 // door open: register reads 0, expect closed(1)
	m.registers = regs
	if err := m.SetInterlocks([]InterlockConfig{
		{Name: "front_door", ModuleAddr: 1, RegisterAddr: 10, ExpectedClosed: true},
	}); err != nil {
		t.Fatalf("SetInterlocks: %v", err)
	}

	m.checkInterlocks()

	if got := m.State(); got != StateWarning {
		t.Fatalf("state = %v, want warning", got)
	}
	snap := m.Snapshot()
	if snap.Stats.EventCounts[EventInterlockOpen] == 0 {
		t.Fatal("expected interlock_open event recorded")
	}
}

// TestWatchdogExpiryEntersFault covers the watchdog-timeout path.
func TestWatchdogExpiryEntersFault(t *testing.T) {
	m, _, _, _, fc := newTestMonitor(t)
	fc.Advance(2 * time.Second)
	m.checkWatchdog(time.Second)

	if got := m.State(); got != StateFault {
		t.Fatalf("state = %v, want fault", got)
	}
}

// TestIllegalTransitionRejected covers the legal-transition table directly:
// fault cannot jump straight to warning.
func TestIllegalTransitionRejected(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t)
	if err := m.transition(StateFault, "test"); err != nil {
		t.Fatalf("safe -> fault should be legal: %v", err)
	}
	if err := m.transition(StateWarning, "test"); err == nil {
		t.Fatal("expected fault -> warning to be rejected")
	}
	if got := m.State(); got != StateFault {
		t.Fatalf("state after rejected transition = %v, want unchanged fault", got)
	}
}

func TestExportImportZonesRoundTrip(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t)
	if err := m.SetZoneProfile(1, ZoneConfig{Enabled: true, EmergencyMM: 400, WarningMM: 900, SafeMM: 1800}); err != nil {
		t.Fatalf("SetZoneProfile: %v", err)
	}
	data, err := m.ExportZones()
	if err != nil {
		t.Fatalf("ExportZones: %v", err)
	}

	m2, _, _, _, _ := newTestMonitor(t)
	if err := m2.ImportZones(data); err != nil {
		t.Fatalf("ImportZones: %v", err)
	}
	got, err := m2.ZoneProfile(1)
	if err != nil {
		t.Fatalf("ZoneProfile: %v", err)
	}
	if got.WarningMM != 900 {
		t.Fatalf("imported profile 1 warning_mm = %v, want 900", got.WarningMM)
	}
}

func TestImportZonesFallsBackToFactoryDefaultOnCorruption(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t)
	bad := []byte(`[{"enabled":true,"emergency_mm":2000,"warning_mm":500,"safe_mm":100}]`)
	if err := m.ImportZones(bad); err != nil {
		t.Fatalf("ImportZones: %v", err)
	}
	got, err := m.ZoneProfile(0)
	if err != nil {
		t.Fatalf("ZoneProfile: %v", err)
	}
	want := FactoryDefaultZone()
	if got.EmergencyMM != want.EmergencyMM || got.WarningMM != want.WarningMM || got.SafeMM != want.SafeMM {
		t.Fatalf("corrupted slot = %+v, want factory default %+v", got, want)
	}
}
