package bus

import (
	"testing"
	"time"

	"github.com/oht50/firmware/internal/clock"
)

func TestCacheServesHitWithinMaxAge(t *testing.T) {
	transport := NewFakeTransport()
	transport.Seed(1, 10, 42)
	fc := clock.NewFake(time.Time{})
	cache := NewCache(transport, 100*time.Millisecond, fc)

	v, ok, err := cache.ReadRegister(1, 10)
	if err != nil || !ok || v != 42 {
		t.Fatalf("first read = (%d,%v,%v), want (42,true,nil)", v, ok, err)
	}

	transport.Seed(1, 10, 99) // transport updates, cache should still win
	v, ok, err = cache.ReadRegister(1, 10)
	if err != nil || !ok || v != 42 {
		t.Fatalf("cached read = (%d,%v,%v), want (42,true,nil)", v, ok, err)
	}
}

func TestCacheRefreshesAfterMaxAge(t *testing.T) {
	transport := NewFakeTransport()
	transport.Seed(1, 10, 42)
	fc := clock.NewFake(time.Time{})
	cache := NewCache(transport, 50*time.Millisecond, fc)

	if _, _, err := cache.ReadRegister(1, 10); err != nil {
		t.Fatalf("initial read: %v", err)
	}
	transport.Seed(1, 10, 99)
	fc.Advance(100 * time.Millisecond)

	v, ok, err := cache.ReadRegister(1, 10)
	if err != nil || !ok || v != 99 {
		t.Fatalf("stale read = (%d,%v,%v), want (99,true,nil)", v, ok, err)
	}
}

func TestReadRegisterReportsTransportError(t *testing.T) {
	transport := NewFakeTransport()
	cache := NewCache(transport, time.Second, clock.NewFake(time.Time{}))

	_, ok, err := cache.ReadRegister(5, 1)
	if ok || err == nil {
		t.Fatalf("expected read failure for unseeded register, got ok=%v err=%v", ok, err)
	}
}

func TestRegisterMetadataValidate(t *testing.T) {
	ro := RegisterMetadata{Name: "status", Access: AccessReadOnly}
	if err := ro.Validate(1); err == nil {
		t.Fatal("expected read-only register to reject a write")
	}

	rw := RegisterMetadata{Name: "zone_emergency_mm", Access: AccessReadWrite, MinValue: 1, MaxValue: 5000}
	if err := rw.Validate(0); err == nil {
		t.Fatal("expected out-of-range write to be rejected")
	}
	if err := rw.Validate(500); err != nil {
		t.Fatalf("in-range write rejected: %v", err)
	}
}

func TestWriteRegisterUpdatesCache(t *testing.T) {
	transport := NewFakeTransport()
	fc := clock.NewFake(time.Time{})
	cache := NewCache(transport, time.Second, fc)

	if err := cache.WriteRegister(2, 20, 7); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	v, ok, err := cache.ReadRegister(2, 20)
	if err != nil || !ok || v != 7 {
		t.Fatalf("read after write = (%d,%v,%v), want (7,true,nil)", v, ok, err)
	}
}
