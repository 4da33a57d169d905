package hal

import (
	"sync"
	"sync/atomic"
	"time"
)

// FakeEStop is an in-memory EStopInput for tests and the simulator. Assert
// and Release flip the line; Asserted is lock-free via an atomic bool.
type FakeEStop struct {
	asserted atomic.Bool
}

func (f *FakeEStop) Init() error    { return nil }
func (f *FakeEStop) Asserted() bool { return f.asserted.Load() }
func (f *FakeEStop) Assert()        { f.asserted.Store(true) }
func (f *FakeEStop) Release()       { f.asserted.Store(false) }

// FakeLEDs records the last pattern set without driving real hardware.
type FakeLEDs struct {
	last LEDPattern
}

func (f *FakeLEDs) Init() error          { return nil }
func (f *FakeLEDs) Set(p LEDPattern) error { f.last = p; return nil }
func (f *FakeLEDs) Last() LEDPattern     { return f.last }

// FakeRelays tracks energised state without driving real hardware.
type FakeRelays struct {
	energised atomic.Bool
}

func (f *FakeRelays) Init() error       { f.energised.Store(true); return nil }
func (f *FakeRelays) Energise() error   { f.energised.Store(true); return nil }
func (f *FakeRelays) Deenergise() error { f.energised.Store(false); return nil }
func (f *FakeRelays) Energised() bool   { return f.energised.Load() }

// FakeLiDAR is an in-memory LiDARSource for the daemon, tests, and the
// simulator. Defaults to a single all-clear point far outside every zone
// threshold, so a freshly constructed daemon does not estop itself on the
// first scan; SetScan lets a test or the simulator inject a hostile or
// empty scan on demand.
type FakeLiDAR struct {
	mu   sync.Mutex
	scan LiDARScan
	set  bool
}

func (f *FakeLiDAR) SetScan(scan LiDARScan) {
	f.mu.Lock()
	f.scan = scan
	f.set = true
	f.mu.Unlock()
}

func (f *FakeLiDAR) LatestScan() (LiDARScan, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return f.scan, true
	}
	return LiDARScan{
		Points:    []LiDARPoint{{AngleDeg: 0, DistanceMM: 5000}},
		Timestamp: time.Now(),
	}, true
}
