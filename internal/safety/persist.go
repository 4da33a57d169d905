package safety

import "encoding/json"

// zoneRecord is the on-disk representation of one zone profile slot.
type zoneRecord struct {
	Enabled     bool    `json:"enabled"`
	EmergencyMM float64 `json:"emergency_mm"`
	WarningMM   float64 `json:"warning_mm"`
	SafeMM      float64 `json:"safe_mm"`
}

// ExportZones serialises all configured zone profiles to one JSON array,
// the format ImportZones reads.
func (m *Monitor) ExportZones() ([]byte, error) {
	m.mu.Lock()
	records := make([]zoneRecord, MaxZoneProfiles)
	for i, z := range m.zoneProfiles {
		records[i] = zoneRecord{Enabled: z.Enabled, EmergencyMM: z.EmergencyMM, WarningMM: z.WarningMM, SafeMM: z.SafeMM}
	}
	m.mu.Unlock()
	return json.Marshal(records)
}

// ImportZones loads a previously exported zone set. Any slot that fails
// Validate falls back to the factory default rather than rejecting the
// whole import — a single corrupted slot must not strand the others.
func (m *Monitor) ImportZones(data []byte) error {
	var records [MaxZoneProfiles]zoneRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	var loaded [MaxZoneProfiles]ZoneConfig
	for i, r := range records {
		cfg := ZoneConfig{Enabled: r.Enabled, EmergencyMM: r.EmergencyMM, WarningMM: r.WarningMM, SafeMM: r.SafeMM}
		if cfg.Validate() != nil {
			cfg = FactoryDefaultZone()
			cfg.Enabled = r.Enabled
		}
		loaded[i] = cfg
	}

	m.mu.Lock()
	m.zoneProfiles = loaded
	m.mu.Unlock()
	return nil
}
