package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/clock"
	"github.com/oht50/firmware/internal/hal"
	"github.com/oht50/firmware/internal/safety"
	"github.com/oht50/firmware/internal/supervisor"
)

func newTestServer(t *testing.T, token string) (*Server, *safety.Monitor, *supervisor.Controller) {
	t.Helper()
	m, err := safety.New(safety.Config{
		EstopInput: &hal.FakeEStop{},
		LEDs:       &hal.FakeLEDs{},
		Relays:     &hal.FakeRelays{},
		Clock:      clock.NewFake(time.Time{}),
	})
	if err != nil {
		t.Fatalf("safety.New: %v", err)
	}
	sup := supervisor.New(supervisor.Config{Clock: clock.NewFake(time.Time{})})

	srv := New(Config{
		BearerToken: token,
		Safety:      m,
		System:      sup,
		Log:         zap.NewNop(),
	})
	return srv, m, sup
}

func TestStatusEndpointReportsSafeState(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SafetyState != "safe" {
		t.Fatalf("safety_state = %q, want safe", body.SafetyState)
	}
}

func TestEstopRequiresBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/estop", "application/json", bytes.NewBufferString(`{"reason":"test"}`))
	if err != nil {
		t.Fatalf("POST /estop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", resp.StatusCode)
	}
}

func TestEstopWithValidTokenTriggersEmergencyStop(t *testing.T) {
	srv, m, _ := newTestServer(t, "secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/estop", bytes.NewBufferString(`{"reason":"test"}`))
	req.Header.Set("Authorization", "Bearer secret-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /estop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if m.State() != safety.StateEstop {
		t.Fatalf("safety state = %v, want estop", m.State())
	}
}

func TestZoneSetThenGetRoundTrips(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"profile":1,"emergency_mm":300,"warning_mm":700,"safe_mm":1500}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/safety/zones", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /safety/zones: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/safety/zones")
	if err != nil {
		t.Fatalf("GET /safety/zones: %v", err)
	}
	defer getResp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(getResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	zones, ok := out["zones"].([]any)
	if !ok || len(zones) == 0 {
		t.Fatalf("expected zones array, got %+v", out)
	}
	found := false
	for _, z := range zones {
		zm, _ := z.(map[string]any)
		if zm["profile"] != float64(1) {
			continue
		}
		found = true
		if zm["emergency_mm"] != float64(300) || zm["warning_mm"] != float64(700) || zm["safe_mm"] != float64(1500) {
			t.Fatalf("profile 1 after set = %+v, want 300/700/1500", zm)
		}
	}
	if !found {
		t.Fatalf("profile 1 missing from GET response: %+v", zones)
	}
}

func TestActivateRequiresReadySystem(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/system/activate", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /system/activate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (not ready)", resp.StatusCode)
	}
}
