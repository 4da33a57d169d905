// Package supervisor implements the system controller: the top-level state
// machine that aggregates the health of the scheduler, safety monitor, and
// control loop into a single ready/not-ready signal, and serialises external
// events through a bounded queue so health checks never re-enter the event
// handler mid-update.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/clock"
)

// State is the system controller's top-level state.
type State uint8

const (
	StateInit State = iota
	StateIdle
	StateActive
	StateFault
	StateEmergency
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateFault:
		return "fault"
	case StateEmergency:
		return "emergency"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// validTransition mirrors the original state graph: INIT only advances to
// idle or fault; idle/active may go anywhere except back to init; fault and
// emergency may go anywhere except init or active (a fault must be
// explicitly resolved before re-activation); shutdown only returns to init.
func validTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateInit:
		return to == StateIdle || to == StateFault
	case StateIdle, StateActive:
		return to != StateInit
	case StateFault, StateEmergency:
		return to != StateInit && to != StateActive
	case StateShutdown:
		return to == StateInit
	default:
		return false
	}
}

// EventKind enumerates the events the controller's event queue carries.
type EventKind uint8

const (
	EventNone EventKind = iota
	EventActivate
	EventDeactivate
	EventSafetyTrip
	EventSafetyClear
	EventCommFault
	EventCommRestored
	EventControlFault
	EventError
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventActivate:
		return "activate"
	case EventDeactivate:
		return "deactivate"
	case EventSafetyTrip:
		return "safety_trip"
	case EventSafetyClear:
		return "safety_clear"
	case EventCommFault:
		return "comm_fault"
	case EventCommRestored:
		return "comm_restored"
	case EventControlFault:
		return "control_fault"
	case EventError:
		return "error"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// queuedEvent is one entry in the bounded event ring buffer.
type queuedEvent struct {
	kind    EventKind
	details string
}

// eventQueueCapacity bounds how many events may be pending between Update
// calls; a full queue drops the new event, counts it, and reports it
// through the error callback rather than blocking the caller.
const eventQueueCapacity = 32

// maxEventsPerDispatch bounds how many queued events a single Update call
// drains, so a burst of events cannot starve the cadenced health checks
// that follow it; remaining events drain on the next Update.
const maxEventsPerDispatch = 8

// HealthInputs are the three booleans the controller ANDs together to
// derive system_ready. Callers (typically the daemon's orchestration loop)
// supply a fresh reading each Update.
type HealthInputs struct {
	SafetyOK       bool
	CommunicationOK bool
	ControlOK      bool
}

// Stats is the introspectable counters block.
type Stats struct {
	TotalEvents        uint64
	StateTransitions   uint64
	ErrorCount         uint64
	RecoveryAttempts   uint64
	DroppedEvents      uint64
}

// EventCallback is invoked synchronously as each queued event is dispatched.
type EventCallback func(state State, kind EventKind, details string)

// ErrorCallback is invoked when an event is dropped because the queue is
// full.
type ErrorCallback func(err error)

// Config configures a new Controller.
type Config struct {
	Clock         clock.Source
	Log           *zap.Logger
	EventCallback EventCallback
	ErrorCallback ErrorCallback
}

// Controller is the system controller.
type Controller struct {
	mu sync.Mutex

	state          State
	prevState      State
	stateEntryTime time.Time
	lastUpdateTime time.Time
	lastEvent      EventKind

	ready           bool
	safetyOK        bool
	communicationOK bool
	controlOK       bool

	activated bool

	queue    []queuedEvent
	qHead    int
	qCount   int

	stats Stats

	clock         clock.Source
	log           *zap.Logger
	eventCallback EventCallback
	errorCallback ErrorCallback
}

// New constructs an initialised, inactive Controller in StateInit.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Monotonic{}
	}
	now := cfg.Clock.Now()
	return &Controller{
		state:          StateInit,
		prevState:      StateInit,
		stateEntryTime: now,
		lastUpdateTime: now,
		queue:          make([]queuedEvent, eventQueueCapacity),
		clock:          cfg.Clock,
		log:            cfg.Log,
		eventCallback:  cfg.EventCallback,
		errorCallback:  cfg.ErrorCallback,
	}
}

// State returns the current top-level state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether all three health inputs were true as of the last
// Update.
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Snapshot is a point-in-time read for the HTTP status surface.
type Snapshot struct {
	State           State
	PreviousState   State
	Ready           bool
	SafetyOK        bool
	CommunicationOK bool
	ControlOK       bool
	Activated       bool
	UptimeInState   time.Duration
	Stats           Stats
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:           c.state,
		PreviousState:   c.prevState,
		Ready:           c.ready,
		SafetyOK:        c.safetyOK,
		CommunicationOK: c.communicationOK,
		ControlOK:       c.controlOK,
		Activated:       c.activated,
		UptimeInState:   c.clock.Now().Sub(c.stateEntryTime),
		Stats:           c.stats,
	}
}

// SetState attempts the bare from->to transition, validating against the
// state graph.
func (c *Controller) SetState(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(to)
}

func (c *Controller) setStateLocked(to State) error {
	from := c.state
	if !validTransition(from, to) {
		return fmt.Errorf("supervisor: illegal transition %s -> %s", from, to)
	}
	if from == to {
		return nil
	}
	c.prevState = from
	c.state = to
	c.stateEntryTime = c.clock.Now()
	c.stats.StateTransitions++
	if c.log != nil {
		c.log.Info("supervisor: state transition", zap.String("from", from.String()), zap.String("to", to.String()))
	}
	return nil
}

// Activate moves idle->active, refusing unless all health inputs are
// currently green.
func (c *Controller) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activated {
		return fmt.Errorf("supervisor: already activated")
	}
	if !c.ready {
		return fmt.Errorf("supervisor: cannot activate, system not ready")
	}
	c.activated = true
	return c.setStateLocked(StateActive)
}

// Deactivate moves active->idle.
func (c *Controller) Deactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activated {
		return fmt.Errorf("supervisor: not activated")
	}
	c.activated = false
	return c.setStateLocked(StateIdle)
}

// PushEvent enqueues an event for dispatch on the next Update. A full queue
// counts as a dropped event and increments the error counter rather than
// blocking the caller or recursing into the handler.
func (c *Controller) PushEvent(kind EventKind, details string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qCount == eventQueueCapacity {
		c.stats.DroppedEvents++
		c.stats.ErrorCount++
		if c.errorCallback != nil {
			go c.errorCallback(fmt.Errorf("supervisor: event queue full, dropped %s", kind))
		}
		return fmt.Errorf("supervisor: event queue full")
	}
	idx := (c.qHead + c.qCount) % eventQueueCapacity
	c.queue[idx] = queuedEvent{kind: kind, details: details}
	c.qCount++
	return nil
}

// Update runs one controller cycle: refresh the ready signal from the
// supplied health inputs, then dispatch any queued events. Events are
// dispatched after the health check, not during PushEvent, so a burst of
// events arriving mid-check never re-enters Update.
func (c *Controller) Update(health HealthInputs) {
	c.mu.Lock()
	now := c.clock.Now()
	c.lastUpdateTime = now
	c.safetyOK = health.SafetyOK
	c.communicationOK = health.CommunicationOK
	c.controlOK = health.ControlOK
	c.ready = health.SafetyOK && health.CommunicationOK && health.ControlOK
	c.stats.TotalEvents++

	if !health.SafetyOK && c.state == StateActive {
		_ = c.setStateLocked(StateEmergency)
	}
	c.mu.Unlock()

	c.dispatchEvents()
}

func (c *Controller) dispatchEvents() {
	for i := 0; i < maxEventsPerDispatch; i++ {
		c.mu.Lock()
		if c.qCount == 0 {
			c.mu.Unlock()
			return
		}
		ev := c.queue[c.qHead]
		c.qHead = (c.qHead + 1) % eventQueueCapacity
		c.qCount--
		c.lastEvent = ev.kind
		c.mu.Unlock()

		c.handleEvent(ev.kind, ev.details)
	}
}

func (c *Controller) handleEvent(kind EventKind, details string) {
	c.mu.Lock()
	switch kind {
	case EventSafetyTrip:
		_ = c.setStateLocked(StateEmergency)
	case EventSafetyClear:
		if c.state == StateEmergency {
			_ = c.setStateLocked(StateIdle)
		}
	case EventCommFault, EventControlFault:
		_ = c.setStateLocked(StateFault)
	case EventCommRestored:
		if c.state == StateFault {
			c.stats.RecoveryAttempts++
			_ = c.setStateLocked(StateIdle)
		}
	case EventError:
		c.stats.ErrorCount++
	case EventShutdown:
		_ = c.setStateLocked(StateShutdown)
	}
	state := c.state
	c.mu.Unlock()

	if c.log != nil {
		c.log.Debug("supervisor: event dispatched", zap.String("kind", kind.String()), zap.String("details", details))
	}
	if c.eventCallback != nil {
		c.eventCallback(state, kind, details)
	}
}

// ResetErrors clears the error/recovery counters, mirroring the
// operator-invoked reset path.
func (c *Controller) ResetErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.ErrorCount = 0
	c.stats.RecoveryAttempts = 0
}
