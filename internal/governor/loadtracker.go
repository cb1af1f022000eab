package governor

import "time"

const (
	// MeasurementPeriod is the window over which instant load is computed
	MeasurementPeriod = 200 * time.Millisecond

	// Work below this floor within a period reads as zero load, so timer
	// jitter on an otherwise sleeping system cannot register as activity
	workFloor = time.Millisecond

	// Weight of the newest instant sample in the smoothed load
	smoothingAlpha = 0.3
)

// LoadTracker estimates CPU load from tick timing. Each tick contributes
// the wall time since the previous tick minus whatever the caller declared
// as idle; once a measurement period has elapsed the accumulated work is
// turned into an instant percentage and folded into the smoothed average.
type LoadTracker struct {
	lastTick    time.Time
	started     bool
	periodStart time.Time
	work        time.Duration
	idle        time.Duration
	instant     float64
	smoothed    float64
}

func NewLoadTracker(now time.Time) *LoadTracker {
	return &LoadTracker{
		lastTick:    now,
		periodStart: now,
	}
}

// DeclareIdle credits time the caller deliberately spent sleeping. The
// credit is consumed by the next tick.
func (t *LoadTracker) DeclareIdle(d time.Duration) {
	if d > 0 {
		t.idle += d
	}
}

// RecordTick accounts the elapsed time since the previous tick as work,
// less any declared idle, and advances the measurement period. The first
// tick only establishes the baseline. A clock that fails to move forward
// contributes zero work.
func (t *LoadTracker) RecordTick(now time.Time) {
	if t.started {
		elapsed := now.Sub(t.lastTick)
		if elapsed < 0 {
			elapsed = 0
		}

		work := elapsed - t.idle
		if work < 0 {
			work = 0
		}
		t.work += work
	}

	t.started = true
	t.idle = 0
	t.lastTick = now

	t.advance(now)
}

// Rebase moves the tick baseline forward so time the governor itself spent
// processing, or parked in a low-power wait, is not measured as work
func (t *LoadTracker) Rebase(now time.Time) {
	if now.After(t.lastTick) {
		t.lastTick = now
	}
}

// Instant returns the most recently computed raw load percentage
func (t *LoadTracker) Instant() float64 {
	return t.instant
}

// Smoothed returns the exponentially smoothed load percentage
func (t *LoadTracker) Smoothed() float64 {
	return t.smoothed
}

func (t *LoadTracker) advance(now time.Time) {
	period := now.Sub(t.periodStart)
	if period < MeasurementPeriod {
		return
	}

	if t.work < workFloor {
		t.instant = 0
	} else {
		t.instant = clampPercent(float64(t.work) / float64(period) * 100)
	}

	t.smoothed = t.smoothed*(1-smoothingAlpha) + t.instant*smoothingAlpha

	t.periodStart = now
	t.work = 0
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}

	return v
}
