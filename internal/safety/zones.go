package safety

import (
	"fmt"
	"math"

	"github.com/oht50/firmware/internal/hal"
)

// MaxZoneProfiles bounds the zone-config array (spec data model: up to 8).
const MaxZoneProfiles = 8

// ZoneConfig is one basic three-threshold proximity profile. The ordering
// invariant emergency < warning < safe must hold at every observation.
type ZoneConfig struct {
	Enabled        bool
	EmergencyMM    float64
	WarningMM      float64
	SafeMM         float64
}

// Validate checks the ordering invariant.
func (z ZoneConfig) Validate() error {
	if !(z.EmergencyMM > 0 && z.EmergencyMM < z.WarningMM && z.WarningMM < z.SafeMM) {
		return fmt.Errorf("safety: zone config invalid: emergency=%.1f warning=%.1f safe=%.1f (require 0 < emergency < warning < safe)",
			z.EmergencyMM, z.WarningMM, z.SafeMM)
	}
	return nil
}

// FactoryDefaultZone is loaded whenever a persisted or imported zone config
// violates the ordering invariant.
func FactoryDefaultZone() ZoneConfig {
	return ZoneConfig{Enabled: true, EmergencyMM: 500, WarningMM: 1000, SafeMM: 2000}
}

// ZoneObservation is the result of evaluating one LiDAR scan against the
// active zone profile.
type ZoneObservation struct {
	MinDistanceMM     float64
	MinAngleDeg       float64
	EmergencyViolated bool
	WarningViolated   bool
	SafeViolated      bool
}

// evaluateZones computes the minimum distance in a single pass (tracking
// the angle of the minimum, skipping NaN distances) and compares it against
// the three thresholds.
func evaluateZones(scan hal.LiDARScan, cfg ZoneConfig) ZoneObservation {
	var obs ZoneObservation
	found := false
	for _, p := range scan.Points {
		if math.IsNaN(p.DistanceMM) {
			continue
		}
		if !found || p.DistanceMM < obs.MinDistanceMM {
			obs.MinDistanceMM = p.DistanceMM
			obs.MinAngleDeg = p.AngleDeg
			found = true
		}
	}
	if !found {
		return obs
	}
	obs.EmergencyViolated = obs.MinDistanceMM < cfg.EmergencyMM
	obs.WarningViolated = obs.MinDistanceMM < cfg.WarningMM
	obs.SafeViolated = obs.MinDistanceMM < cfg.SafeMM
	return obs
}

// SetZoneProfile replaces the zone config at idx. idx must be in
// [0, MaxZoneProfiles).
func (m *Monitor) SetZoneProfile(idx int, cfg ZoneConfig) error {
	if idx < 0 || idx >= MaxZoneProfiles {
		return fmt.Errorf("safety: SetZoneProfile: index %d out of range [0,%d)", idx, MaxZoneProfiles)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.zoneProfiles[idx] = cfg
	m.mu.Unlock()
	return nil
}

// ZoneProfile returns the zone config at idx.
func (m *Monitor) ZoneProfile(idx int) (ZoneConfig, error) {
	if idx < 0 || idx >= MaxZoneProfiles {
		return ZoneConfig{}, fmt.Errorf("safety: ZoneProfile: index %d out of range [0,%d)", idx, MaxZoneProfiles)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoneProfiles[idx], nil
}

// activeZone returns the zone profile used by the current evaluation
// (index 0 — multiple mounting profiles are stored but only the primary
// is wired to evaluation today).
func (m *Monitor) activeZone() ZoneConfig {
	return m.zoneProfiles[0]
}
