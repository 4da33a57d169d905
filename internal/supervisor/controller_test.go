package supervisor

import (
	"testing"
	"time"

	"github.com/oht50/firmware/internal/clock"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(Config{Clock: clock.NewFake(time.Time{})})
}

func TestActivateRequiresReady(t *testing.T) {
	c := newTestController(t)
	if err := c.SetState(StateIdle); err != nil {
		t.Fatalf("init -> idle: %v", err)
	}
	if err := c.Activate(); err == nil {
		t.Fatal("expected Activate to fail before any Update reports ready")
	}

	c.Update(HealthInputs{SafetyOK: true, CommunicationOK: true, ControlOK: true})
	if !c.IsReady() {
		t.Fatal("expected ready after all-green Update")
	}
	if err := c.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := c.State(); got != StateActive {
		t.Fatalf("state = %v, want active", got)
	}
}

func TestSafetyTripForcesEmergencyFromActive(t *testing.T) {
	c := newTestController(t)
	_ = c.SetState(StateIdle)
	c.Update(HealthInputs{SafetyOK: true, CommunicationOK: true, ControlOK: true})
	_ = c.Activate()

	c.Update(HealthInputs{SafetyOK: false, CommunicationOK: true, ControlOK: true})
	if got := c.State(); got != StateEmergency {
		t.Fatalf("state = %v, want emergency after safety_ok drops while active", got)
	}
}

func TestEventQueueDispatchesAfterHealthCheck(t *testing.T) {
	c := newTestController(t)
	_ = c.SetState(StateIdle)
	if err := c.PushEvent(EventCommFault, "rs485 timeout"); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	c.Update(HealthInputs{SafetyOK: true, CommunicationOK: false, ControlOK: true})

	if got := c.State(); got != StateFault {
		t.Fatalf("state = %v, want fault", got)
	}
}

func TestEventQueueFullIsReportedNotBlocking(t *testing.T) {
	c := newTestController(t)
	for i := 0; i < eventQueueCapacity; i++ {
		if err := c.PushEvent(EventError, "fill"); err != nil {
			t.Fatalf("PushEvent %d: %v", i, err)
		}
	}
	if err := c.PushEvent(EventError, "overflow"); err == nil {
		t.Fatal("expected PushEvent to report a full queue")
	}
	snap := c.Snapshot()
	if snap.Stats.DroppedEvents != 1 {
		t.Fatalf("DroppedEvents = %d, want 1", snap.Stats.DroppedEvents)
	}
}

func TestIllegalTransitionFromShutdownRejected(t *testing.T) {
	c := newTestController(t)
	_ = c.SetState(StateIdle)
	_ = c.SetState(StateShutdown)
	if err := c.SetState(StateActive); err == nil {
		t.Fatal("expected shutdown -> active to be rejected")
	}
	if err := c.SetState(StateInit); err != nil {
		t.Fatalf("shutdown -> init should be legal: %v", err)
	}
}

func TestCommRestoredRecoversFromFault(t *testing.T) {
	c := newTestController(t)
	_ = c.SetState(StateIdle)
	_ = c.PushEvent(EventCommFault, "down")
	c.Update(HealthInputs{SafetyOK: true, CommunicationOK: false, ControlOK: true})
	if got := c.State(); got != StateFault {
		t.Fatalf("state = %v, want fault", got)
	}

	_ = c.PushEvent(EventCommRestored, "up")
	c.Update(HealthInputs{SafetyOK: true, CommunicationOK: true, ControlOK: true})
	if got := c.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle after comm restored", got)
	}
	if c.Snapshot().Stats.RecoveryAttempts != 1 {
		t.Fatalf("RecoveryAttempts = %d, want 1", c.Snapshot().Stats.RecoveryAttempts)
	}
}
