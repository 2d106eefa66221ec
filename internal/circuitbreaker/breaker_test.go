package circuitbreaker

import (
	"testing"
	"time"

	"github.com/voidwatch/killfeed/internal/testutil"
)

const hook = "https://hooks.example.com/a"

func testBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock) {
	cb := New(threshold, cooldown)
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cb.clock = clock.Now
	return cb, clock
}

func TestAllow_UnknownTarget_Allowed(t *testing.T) {
	cb, _ := testBreaker(3, 5*time.Second)
	if !cb.Allow(hook) {
		t.Fatal("unknown target should be allowed")
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := testBreaker(3, 5*time.Second)
	cb.Record(hook, false)
	cb.Record(hook, false)
	if !cb.Allow(hook) {
		t.Fatal("two failures below threshold should still allow")
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := testBreaker(3, 5*time.Second)
	for i := 0; i < 3; i++ {
		cb.Record(hook, false)
	}
	if cb.Allow(hook) {
		t.Fatal("breaker should be open at the failure threshold")
	}
}

func TestAllow_OpenAfterCooldown_SingleProbe(t *testing.T) {
	cb, clock := testBreaker(3, 5*time.Second)
	for i := 0; i < 3; i++ {
		cb.Record(hook, false)
	}
	clock.Advance(6 * time.Second)

	if !cb.Allow(hook) {
		t.Fatal("cooldown elapsed, one probe should be admitted")
	}
	if cb.Allow(hook) {
		t.Fatal("second send should stay blocked while the probe is in flight")
	}
}

func TestRecordSuccess_ClosesBreaker(t *testing.T) {
	cb, clock := testBreaker(3, 5*time.Second)
	for i := 0; i < 3; i++ {
		cb.Record(hook, false)
	}
	clock.Advance(6 * time.Second)
	cb.Allow(hook)
	cb.Record(hook, true)

	if !cb.Allow(hook) {
		t.Fatal("breaker should be closed after a successful probe")
	}
}

func TestProbeFailure_ReopensBreaker(t *testing.T) {
	cb, clock := testBreaker(3, 5*time.Second)
	for i := 0; i < 3; i++ {
		cb.Record(hook, false)
	}
	clock.Advance(6 * time.Second)
	cb.Allow(hook)
	cb.Record(hook, false)

	if cb.Allow(hook) {
		t.Fatal("breaker should reopen after a failed probe")
	}
	// A fresh cooldown applies from the probe failure.
	clock.Advance(6 * time.Second)
	if !cb.Allow(hook) {
		t.Fatal("next probe should be admitted after the new cooldown")
	}
}

func TestBreakersAreIndependentPerTarget(t *testing.T) {
	cb, _ := testBreaker(2, 5*time.Second)
	other := "https://hooks.example.com/b"

	cb.Record(hook, false)
	cb.Record(hook, false)

	if cb.Allow(hook) {
		t.Fatal("failed target should be open")
	}
	if !cb.Allow(other) {
		t.Fatal("healthy target should be unaffected")
	}
}
