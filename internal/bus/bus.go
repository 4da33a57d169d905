// Package bus implements the RS485/Modbus-style field-bus transport
// contract, a staleness-aware register value cache, and an access-level
// validator, grounded on the original firmware's register cache and
// metadata API split into three small pieces rather than one global table.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/oht50/firmware/internal/clock"
)

// AccessLevel restricts which registers a write may target.
type AccessLevel uint8

const (
	AccessReadOnly AccessLevel = iota
	AccessReadWrite
	AccessWriteOnce
)

// RegisterMetadata describes one addressable register: its access level and
// the value range a write must respect. Mirrors the original firmware's
// register metadata table, narrowed to what validation actually needs.
type RegisterMetadata struct {
	Name     string
	Access   AccessLevel
	MinValue uint16
	MaxValue uint16
}

// Validate checks a proposed write against the register's access level and
// bounds.
func (m RegisterMetadata) Validate(value uint16) error {
	if m.Access == AccessReadOnly {
		return fmt.Errorf("bus: register %q is read-only", m.Name)
	}
	if value < m.MinValue || value > m.MaxValue {
		return fmt.Errorf("bus: value %d for register %q out of range [%d,%d]", value, m.Name, m.MinValue, m.MaxValue)
	}
	return nil
}

// Transport is the field-bus capability a concrete driver (RS485, Modbus
// TCP, or a simulator) implements. Real wiring is out of scope for this
// repository; FakeTransport below is sufficient for tests and the
// simulator binary.
type Transport interface {
	ReadRegister(moduleAddr byte, registerAddr uint16) (value uint16, err error)
	WriteRegister(moduleAddr byte, registerAddr uint16, value uint16) error
}

// cacheEntry is one cached register reading.
type cacheEntry struct {
	value     uint16
	updatedAt time.Time
}

// Cache is a staleness-aware register value cache, one map per module
// address. Reads through the cache fall back to the transport on a miss or
// a stale entry and repopulate it.
type Cache struct {
	mu      sync.RWMutex
	modules map[byte]map[uint16]cacheEntry

	transport Transport
	clock     clock.Source
	maxAge    time.Duration

	hits   uint64
	misses uint64
}

// NewCache wraps transport with a cache whose entries are considered stale
// after maxAge.
func NewCache(transport Transport, maxAge time.Duration, src clock.Source) *Cache {
	if src == nil {
		src = clock.Monotonic{}
	}
	return &Cache{
		modules:   make(map[byte]map[uint16]cacheEntry),
		transport: transport,
		clock:     src,
		maxAge:    maxAge,
	}
}

// ReadRegister satisfies safety.RegisterReader and any other consumer that
// only needs read access. ok is false only when the underlying transport
// read failed; err carries the transport error in that case.
func (c *Cache) ReadRegister(moduleAddr byte, registerAddr uint16) (value uint16, ok bool, err error) {
	c.mu.RLock()
	mod, exists := c.modules[moduleAddr]
	var entry cacheEntry
	var found bool
	if exists {
		entry, found = mod[registerAddr]
	}
	c.mu.RUnlock()

	if found && c.clock.Now().Sub(entry.updatedAt) <= c.maxAge {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.value, true, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	v, rerr := c.transport.ReadRegister(moduleAddr, registerAddr)
	if rerr != nil {
		return 0, false, rerr
	}
	c.store(moduleAddr, registerAddr, v)
	return v, true, nil
}

// WriteRegister writes through to the transport and updates the cache on
// success.
func (c *Cache) WriteRegister(moduleAddr byte, registerAddr uint16, value uint16) error {
	if err := c.transport.WriteRegister(moduleAddr, registerAddr, value); err != nil {
		return err
	}
	c.store(moduleAddr, registerAddr, value)
	return nil
}

func (c *Cache) store(moduleAddr byte, registerAddr uint16, value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mod, ok := c.modules[moduleAddr]
	if !ok {
		mod = make(map[uint16]cacheEntry)
		c.modules[moduleAddr] = mod
	}
	mod[registerAddr] = cacheEntry{value: value, updatedAt: c.clock.Now()}
}

// Stats reports cumulative hit/miss counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}

// Invalidate drops one cached entry, forcing the next read through to the
// transport regardless of age.
func (c *Cache) Invalidate(moduleAddr byte, registerAddr uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mod, ok := c.modules[moduleAddr]; ok {
		delete(mod, registerAddr)
	}
}
