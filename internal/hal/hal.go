// Package hal declares the hardware abstraction contracts the safety
// monitor depends on: E-Stop input sampling, LED pattern output, relay
// control, and the LiDAR scan source. Real GPIO/serial wiring is out of
// scope for this repository — these are the interfaces the core consumes
// and in-memory fakes of each, good enough for tests and the simulator.
package hal

import "time"

// EStopInput samples the hardware emergency-stop line. Its read side must
// be lock-free and non-blocking — the safety monitor's E-Stop sampling
// runs on a ≤100µs budget.
type EStopInput interface {
	// Init prepares the underlying GPIO line. The safety argument cannot
	// hold without a working E-Stop input, so callers treat a failure here
	// as fatal, unlike LEDDriver/RelayDriver init failures.
	Init() error

	// Asserted reports whether the hardware E-Stop circuit is currently
	// open (stop requested). Implementations must debounce internally;
	// callers treat the return value as already-debounced.
	Asserted() bool
}

// LEDPattern names one of the deterministic LED states the safety monitor
// drives on every state transition.
type LEDPattern uint8

const (
	LEDAllGreen LEDPattern = iota
	LEDSystemFastBlink
	LEDErrorSlowBlink
	LEDErrorFastBlinkNonEssentialOff
)

// LEDDriver renders a pattern. Init failure is non-fatal (headless degrade)
// per the safety monitor's init contract.
type LEDDriver interface {
	Init() error
	Set(p LEDPattern) error
}

// RelayDriver energises/de-energises the two safety relays. Init failure is
// non-fatal (headless degrade); De-energise must be safe to call at any
// time, including before Init succeeded, since it is invoked on the
// emergency-stop fail-safe path.
type RelayDriver interface {
	Init() error
	Energise() error
	Deenergise() error
}

// LiDARPoint is a single angular range measurement.
type LiDARPoint struct {
	AngleDeg    float64
	DistanceMM  float64
}

// LiDARScan is a single angular sweep.
type LiDARScan struct {
	Points    []LiDARPoint
	Timestamp time.Time
}

// LiDARSource yields the most recent scan. Out of scope for internals: the
// core only consumes completed scans.
type LiDARSource interface {
	LatestScan() (LiDARScan, bool)
}
