package breaker

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/ai-gateway/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

// fakeClock lets tests step the breaker's notion of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestBreaker(threshold uint, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := New("blue", threshold, cooldown, slog.Default())
	b.now = clock.Now
	return b, clock
}

func TestStartsClosedAndAllows(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
	d := b.Allow()
	if !d.Allowed {
		t.Fatal("expected Allow to permit calls for a closed breaker")
	}
	if d.Reason != "" {
		t.Fatalf("expected empty reason, got %q", d.Reason)
	}
}

func TestClosedToOpenAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.OnFailure(WeightDefault)
	b.OnFailure(WeightDefault)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after 2 failures, got %v", b.State())
	}

	b.OnFailure(WeightDefault)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after 3 failures, got %v", b.State())
	}

	d := b.Allow()
	if d.Allowed {
		t.Fatal("expected Allow to reject calls for an open breaker")
	}
	if d.Reason != "circuit" {
		t.Fatalf("expected reason %q, got %q", "circuit", d.Reason)
	}
	if d.WaitUntil.IsZero() {
		t.Fatal("expected WaitUntil to be set on rejection")
	}
}

func TestRateLimitWeightOpensFaster(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	// One 429 (weight 2) plus one ordinary failure reaches the threshold.
	b.OnFailure(WeightRateLimit)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after weight-2 failure, got %v", b.State())
	}
	b.OnFailure(WeightDefault)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after weighted count reached 3, got %v", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.OnFailure(WeightDefault)
	b.OnFailure(WeightDefault)
	b.OnSuccess()
	b.OnFailure(WeightDefault)
	b.OnFailure(WeightDefault)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after interleaved success, got %v", b.State())
	}

	b.OnFailure(WeightDefault)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
}

func TestOpenRejectsUntilCooldownBoundary(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.OnFailure(WeightDefault)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}

	// 1ms before the boundary the call is still rejected.
	clock.Advance(30*time.Second - time.Millisecond)
	d := b.Allow()
	if d.Allowed {
		t.Fatal("expected rejection just before the cooldown boundary")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected breaker to stay open, got %v", b.State())
	}

	// At the boundary the breaker probes.
	clock.Advance(time.Millisecond)
	d = b.Allow()
	if !d.Allowed {
		t.Fatal("expected probe to be admitted at the cooldown boundary")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second)

	b.OnFailure(WeightDefault)
	clock.Advance(11 * time.Second)
	b.Allow()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}

	b.OnSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State())
	}
	if got := b.Snapshot().FailureCount; got != 0 {
		t.Fatalf("expected failure count reset, got %d", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second)

	b.OnFailure(WeightDefault)
	clock.Advance(11 * time.Second)
	b.Allow()

	b.OnFailure(WeightDefault)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State())
	}

	// The cooldown re-arms from the probe failure, not the original trip.
	d := b.Allow()
	if d.Allowed {
		t.Fatal("expected rejection after re-opening")
	}
	want := clock.Now().Add(10 * time.Second)
	if !d.WaitUntil.Equal(want) {
		t.Fatalf("expected WaitUntil %v, got %v", want, d.WaitUntil)
	}
}

func TestNeverOpenToClosedDirectly(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second)

	b.OnFailure(WeightDefault)
	clock.Advance(time.Hour)

	// Even long after the cooldown, the first Allow yields HALF_OPEN,
	// never CLOSED.
	b.Allow()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}
}

func TestSnapshot(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)

	b.OnFailure(WeightDefault)
	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Fatalf("expected state closed, got %q", snap.State)
	}
	if snap.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", snap.FailureCount)
	}
	if !snap.LastFailure.Equal(clock.Now()) {
		t.Fatalf("expected last failure %v, got %v", clock.Now(), snap.LastFailure)
	}

	b.OnFailure(WeightDefault)
	snap = b.Snapshot()
	if snap.State != "open" {
		t.Fatalf("expected state open, got %q", snap.State)
	}
	if !snap.NextAttempt.Equal(clock.Now().Add(30 * time.Second)) {
		t.Fatalf("unexpected next attempt %v", snap.NextAttempt)
	}
}

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestCooldownArmAndExpire(t *testing.T) {
	clock := newFakeClock()
	c := NewCooldown()
	c.now = clock.Now

	if _, active := c.Active(); active {
		t.Fatal("expected new cooldown to be inactive")
	}

	c.Arm(30 * time.Second)
	until, active := c.Active()
	if !active {
		t.Fatal("expected cooldown active after arming")
	}
	if !until.Equal(clock.Now().Add(30 * time.Second)) {
		t.Fatalf("unexpected expiry %v", until)
	}

	clock.Advance(31 * time.Second)
	if _, active := c.Active(); active {
		t.Fatal("expected cooldown expired")
	}
}

func TestCooldownLaterExpiryWins(t *testing.T) {
	clock := newFakeClock()
	c := NewCooldown()
	c.now = clock.Now

	c.Arm(30 * time.Second)
	c.Arm(10 * time.Second)

	until, active := c.Active()
	if !active {
		t.Fatal("expected cooldown active")
	}
	if !until.Equal(clock.Now().Add(30 * time.Second)) {
		t.Fatalf("expected the longer window to win, got expiry %v", until)
	}
}
