// Package integration wires the real internal/safety, internal/supervisor,
// and internal/api packages together behind an httptest server and drives
// them the way an operator's HTTP client would, rather than through each
// package's own mocked unit tests.
package integration_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/api"
	"github.com/oht50/firmware/internal/clock"
	"github.com/oht50/firmware/internal/hal"
	"github.com/oht50/firmware/internal/safety"
	"github.com/oht50/firmware/internal/supervisor"
)

type harness struct {
	ts     *httptest.Server
	safety *safety.Monitor
	sup    *supervisor.Controller
	estop  *hal.FakeEStop
	relays *hal.FakeRelays
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	estop := &hal.FakeEStop{}
	relays := &hal.FakeRelays{}
	clk := clock.NewFake(time.Now())

	mon, err := safety.New(safety.Config{
		EstopInput: estop,
		LEDs:       &hal.FakeLEDs{},
		Relays:     relays,
		Clock:      clk,
		Log:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("safety.New: %v", err)
	}

	sup := supervisor.New(supervisor.Config{Clock: clk, Log: zap.NewNop()})
	// Mirrors cmd/oht50d/main.go's startup step 10: once every subsystem's
	// ready-check above has succeeded, the controller leaves init for idle.
	if err := sup.SetState(supervisor.StateIdle); err != nil {
		t.Fatalf("supervisor init-complete transition: %v", err)
	}

	srv := api.New(api.Config{
		BearerToken: token,
		Safety:      mon,
		System:      sup,
		Log:         zap.NewNop(),
	})

	return &harness{
		ts:     httptest.NewServer(srv.Handler()),
		safety: mon,
		sup:    sup,
		estop:  estop,
		relays: relays,
	}
}

func (h *harness) close() { h.ts.Close() }

func (h *harness) post(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest %s: %v", path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (h *harness) status(t *testing.T) map[string]any {
	t.Helper()
	resp, err := http.Get(h.ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return body
}

// TestEstopThenResetRoundTripThroughHTTP drives a full software-triggered
// estop and recovery through the HTTP surface only, checking the safety
// monitor, relay output, and status endpoint all agree at every step.
func TestEstopThenResetRoundTripThroughHTTP(t *testing.T) {
	h := newHarness(t, "topsecret")
	defer h.close()

	resp := h.post(t, "/api/v1/estop", "topsecret", `{"reason":"integration probe"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /estop = %d, want 200", resp.StatusCode)
	}
	if h.relays.Energised() {
		t.Fatal("relays still energised after a successful estop request")
	}
	if st := h.status(t); st["safety_state"] != "estop" || st["estop_active"] != true {
		t.Fatalf("status after estop = %+v", st)
	}

	// A bare Reset attempt (skipping the operator's /safety/reset endpoint,
	// i.e. calling the lower-level API directly) must still fail: the
	// software latch is independent of the HTTP-level acknowledgement.
	if err := h.safety.Reset(); err == nil {
		t.Fatal("direct Reset() succeeded without going through the reset endpoint's acknowledgement")
	}

	resetResp := h.post(t, "/api/v1/safety/reset", "topsecret", "")
	defer resetResp.Body.Close()
	if resetResp.StatusCode != http.StatusOK {
		t.Fatalf("POST /safety/reset = %d, want 200", resetResp.StatusCode)
	}
	if !h.relays.Energised() {
		t.Fatal("relays not re-energised after a successful reset")
	}
	if st := h.status(t); st["safety_state"] != "safe" || st["estop_active"] != false {
		t.Fatalf("status after reset = %+v", st)
	}
}

// TestHardwareEstopSurvivesHTTPResetUntilLineClears checks that a hardware
// E-Stop assertion cannot be cleared through the HTTP reset endpoint while
// the physical line is still asserted, even though the endpoint always
// attempts the software-latch acknowledgement first.
func TestHardwareEstopSurvivesHTTPResetUntilLineClears(t *testing.T) {
	h := newHarness(t, "")
	defer h.close()

	h.estop.Assert()
	h.safety.Update()
	if st := h.status(t); st["safety_state"] != "estop" {
		t.Fatalf("status after hardware assert = %+v", st)
	}

	resp := h.post(t, "/api/v1/safety/reset", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("POST /safety/reset while hw line asserted = %d, want 409", resp.StatusCode)
	}
	if h.relays.Energised() {
		t.Fatal("relays energised while the hardware E-Stop line is still asserted")
	}

	h.estop.Release()
	h.safety.Update()

	resp2 := h.post(t, "/api/v1/safety/reset", "", "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("POST /safety/reset after hw line released = %d, want 200", resp2.StatusCode)
	}
	if !h.relays.Energised() {
		t.Fatal("relays not re-energised after the hardware line cleared and reset succeeded")
	}
}

// TestUnauthenticatedEstopRejectedButSystemStaysInactive checks that a
// missing bearer token on a write endpoint is rejected before it reaches
// the safety monitor, and that the system controller's Activate still
// requires an explicit health-reporting Update in addition to a clean
// safety state.
func TestUnauthenticatedEstopRejectedButSystemStaysInactive(t *testing.T) {
	h := newHarness(t, "topsecret")
	defer h.close()

	resp := h.post(t, "/api/v1/estop", "", `{"reason":"no token"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("POST /estop without bearer token = %d, want 401", resp.StatusCode)
	}
	if h.safety.Snapshot().EstopActive {
		t.Fatal("unauthenticated estop request reached the safety monitor")
	}

	activateResp := h.post(t, "/api/v1/system/activate", "topsecret", "")
	defer activateResp.Body.Close()
	if activateResp.StatusCode != http.StatusConflict {
		t.Fatalf("POST /system/activate before any health Update = %d, want 409", activateResp.StatusCode)
	}

	h.sup.Update(supervisor.HealthInputs{SafetyOK: true, CommunicationOK: true, ControlOK: true})

	activateResp2 := h.post(t, "/api/v1/system/activate", "topsecret", "")
	defer activateResp2.Body.Close()
	if activateResp2.StatusCode != http.StatusOK {
		t.Fatalf("POST /system/activate after all-green Update = %d, want 200", activateResp2.StatusCode)
	}
}
