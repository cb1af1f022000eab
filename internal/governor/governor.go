package governor

import (
	"time"

	"codeberg.org/mutker/picogov/internal/device"
	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/logger"
	"codeberg.org/mutker/picogov/internal/profile"
)

const (
	// EvaluateInterval is the cadence of scaling decisions
	EvaluateInterval = 100 * time.Millisecond

	// Smoothed load below which an idle core may be parked between ticks
	idleWaitThreshold = 2.0
)

// Default protection limits
const (
	DefaultThrottleTemp  = 70.0
	DefaultCriticalTemp  = 80.0
	DefaultReleaseTemp   = 60.0
	DefaultTurboMaxTime  = 10 * time.Second
	DefaultBoostDuration = 300 * time.Millisecond
)

// Config holds the protection limits of a governor instance. The scaling
// thresholds themselves are fixed; see upRules and downRules.
type Config struct {
	// ThrottleTemp caps the level at Balanced once reached
	ThrottleTemp float64
	// CriticalTemp forces the level down to Powersave
	CriticalTemp float64
	// ReleaseTemp clears the throttle once the die cools below it
	ReleaseTemp float64
	// TurboMaxTime bounds continuous residency at Turbo
	TurboMaxTime time.Duration
	// BoostDuration is how long a boost request holds the level up
	BoostDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThrottleTemp:  DefaultThrottleTemp,
		CriticalTemp:  DefaultCriticalTemp,
		ReleaseTemp:   DefaultReleaseTemp,
		TurboMaxTime:  DefaultTurboMaxTime,
		BoostDuration: DefaultBoostDuration,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !(c.ReleaseTemp < c.ThrottleTemp && c.ThrottleTemp < c.CriticalTemp) {
		return errFactory.WithData(errors.ErrInvalidThresholds, struct {
			Release  float64
			Throttle float64
			Critical float64
		}{c.ReleaseTemp, c.ThrottleTemp, c.CriticalTemp})
	}

	if c.TurboMaxTime <= 0 || c.BoostDuration <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, struct {
			TurboMax time.Duration
			Boost    time.Duration
		}{c.TurboMaxTime, c.BoostDuration})
	}

	return nil
}

// Governor owns the scaling state machine for one chip: load-driven level
// selection, thermal protection, turbo residency and manual overrides.
//
// A governor is driven by exactly one goroutine. Tick, DeclareIdle, the
// request methods and the accessors are not safe for concurrent use;
// callers on other goroutines must funnel commands to the driving loop.
type Governor struct {
	cfg     Config
	table   profile.Table
	dev     device.Controller
	clock   Clock
	tracker *LoadTracker
	stages  []stage

	level       profile.PowerLevel
	frequency   profile.Frequency
	voltage     profile.Voltage
	temperature float64
	throttled   bool

	turboActive bool
	turboSince  time.Time
	boostActive bool
	boostSince  time.Time

	override      bool
	overrideUntil time.Time

	lastEval    time.Time
	transitions uint64
	fallbacks   uint64
}

// New creates a governor for the given operating point table. The
// hardware is assumed to already sit at the table's Balanced point; the
// first transition is whatever the first evaluation decides.
func New(table profile.Table, dev device.Controller, clk Clock, cfg Config) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	point, err := table.Lookup(profile.Balanced)
	if err != nil {
		return nil, err
	}

	now := clk.Now()
	g := &Governor{
		cfg:       cfg,
		table:     table,
		dev:       dev,
		clock:     clk,
		tracker:   NewLoadTracker(now),
		level:     profile.Balanced,
		frequency: point.Frequency,
		voltage:   point.Voltage,
		lastEval:  now,
	}

	g.stages = []stage{
		{"thermal", g.thermalStage},
		{"timeout", g.timeoutStage},
		{"autoscale", g.autoscaleStage},
	}

	return g, nil
}

// Tick drives the governor. Call it from the application's main loop as
// often as convenient; the measurement and evaluation cadences are
// handled internally.
func (g *Governor) Tick() {
	now := g.clock.Now()
	g.tracker.RecordTick(now)

	if now.Sub(g.lastEval) >= EvaluateInterval {
		g.evaluate(now)
		g.lastEval = now
	}

	if g.shouldWait() {
		g.dev.WaitForInterrupt()
	}

	// Governor processing and wait time must not read as work
	g.tracker.Rebase(g.clock.Now())
}

// DeclareIdle credits deliberate sleep time so it is not measured as work
func (g *Governor) DeclareIdle(d time.Duration) {
	g.tracker.DeclareIdle(d)
}

func (g *Governor) shouldWait() bool {
	return g.table.Chip().HasLowPowerWait() &&
		g.level == profile.UltraLow &&
		g.tracker.Smoothed() < idleWaitThreshold &&
		!g.throttled
}

// RequestLevel pins the governor at a level, overriding automatic
// scaling. A zero hold keeps the override until ClearOverride. The level
// applies immediately regardless of load; the thermal ceiling still
// re-asserts at the next evaluation. Returns false for an invalid level.
func (g *Governor) RequestLevel(level profile.PowerLevel, hold time.Duration) bool {
	if !level.Valid() {
		logger.Warn().Int("level", int(level)).Msg("Rejected request for unknown power level")
		return false
	}

	now := g.clock.Now()
	g.override = true
	if hold > 0 {
		g.overrideUntil = now.Add(hold)
	} else {
		g.overrideUntil = time.Time{}
	}

	g.apply(level, now, "override")

	return true
}

// ClearOverride returns the governor to automatic scaling. The level
// stays where it is until an evaluation moves it.
func (g *Governor) ClearOverride() {
	if g.override {
		logger.Info().Msg("Override cleared, automatic scaling resumed")
	}
	g.override = false
	g.overrideUntil = time.Time{}
}

// RequestBoost raises the level to at least Performance for the boost
// duration, typically wired to an input event. Ignored while throttled.
func (g *Governor) RequestBoost() {
	if g.throttled {
		return
	}

	now := g.clock.Now()
	g.boostActive = true
	g.boostSince = now

	if g.level < profile.Performance {
		g.apply(profile.Performance, now, "boost")
	}
}

// Level returns the current power level
func (g *Governor) Level() profile.PowerLevel {
	return g.level
}

// Frequency returns the clock frequency the governor last accepted
func (g *Governor) Frequency() profile.Frequency {
	return g.frequency
}

// Voltage returns the core voltage the governor last accepted
func (g *Governor) Voltage() profile.Voltage {
	return g.voltage
}

// InstantLoad returns the raw load of the last measurement period
func (g *Governor) InstantLoad() float64 {
	return g.tracker.Instant()
}

// SmoothedLoad returns the exponentially smoothed load
func (g *Governor) SmoothedLoad() float64 {
	return g.tracker.Smoothed()
}

// Temperature returns the last sampled die temperature
func (g *Governor) Temperature() float64 {
	return g.temperature
}

// Throttled reports whether thermal protection is limiting the level
func (g *Governor) Throttled() bool {
	return g.throttled
}

// TurboActive reports whether the turbo residency timer is running
func (g *Governor) TurboActive() bool {
	return g.turboActive
}

// BoostActive reports whether a boost is holding the level up
func (g *Governor) BoostActive() bool {
	return g.boostActive
}

// OverrideActive reports whether a manual override is in effect
func (g *Governor) OverrideActive() bool {
	return g.override
}

// Snapshot is a copy of the governor's observable state
type Snapshot struct {
	Timestamp          time.Time
	Chip               profile.Chip
	Level              profile.PowerLevel
	Frequency          profile.Frequency
	Voltage            profile.Voltage
	InstantLoad        float64
	SmoothedLoad       float64
	Temperature        float64
	Throttled          bool
	TurboActive        bool
	BoostActive        bool
	Override           bool
	OverrideIndefinite bool
	OverrideRemaining  time.Duration
	Transitions        uint64
	Fallbacks          uint64
}

// Snapshot captures the observable state for telemetry, monitoring and
// status rendering
func (g *Governor) Snapshot() Snapshot {
	now := g.clock.Now()

	s := Snapshot{
		Timestamp:    now,
		Chip:         g.table.Chip(),
		Level:        g.level,
		Frequency:    g.frequency,
		Voltage:      g.voltage,
		InstantLoad:  g.tracker.Instant(),
		SmoothedLoad: g.tracker.Smoothed(),
		Temperature:  g.temperature,
		Throttled:    g.throttled,
		TurboActive:  g.turboActive,
		BoostActive:  g.boostActive,
		Override:     g.override,
		Transitions:  g.transitions,
		Fallbacks:    g.fallbacks,
	}

	if g.override {
		if g.overrideUntil.IsZero() {
			s.OverrideIndefinite = true
		} else if remaining := g.overrideUntil.Sub(now); remaining > 0 {
			s.OverrideRemaining = remaining
		}
	}

	return s
}
