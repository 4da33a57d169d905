package config

import "testing"

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	cfg.API.AllowInsecureNoAuth = true
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()): %v", err)
	}
}

func TestValidateRejectsBadZoneOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.API.AllowInsecureNoAuth = true
	cfg.Safety.WarningMM = 100
	cfg.Safety.EmergencyMM = 500
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for emergency_mm > warning_mm")
	}
}

func TestValidateRejectsDeadlineBelowPeriod(t *testing.T) {
	cfg := Defaults()
	cfg.API.AllowInsecureNoAuth = true
	cfg.Control.Period = cfg.Control.Deadline * 2
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for deadline < period")
	}
}

func TestValidateRequiresBearerTokenUnlessOptedOut(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for empty bearer token without opt-out")
	}
	cfg.API.AllowInsecureNoAuth = true
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate with opt-out: %v", err)
	}
}
