package governor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/profile"
)

var errRejected = fmt.Errorf("operating point rejected")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeDevice struct {
	temp        float64
	tempErr     error
	tempReads   int
	rejectAbove profile.Frequency
	rejectAll   bool
	points      []profile.OperatingPoint
	waits       int
	waitFn      func()
}

func (d *fakeDevice) SetOperatingPoint(p profile.OperatingPoint) error {
	if d.rejectAll || (d.rejectAbove > 0 && p.Frequency > d.rejectAbove) {
		return errRejected
	}
	d.points = append(d.points, p)

	return nil
}

func (d *fakeDevice) Temperature() (float64, error) {
	d.tempReads++
	if d.tempErr != nil {
		return 0, d.tempErr
	}

	return d.temp, nil
}

func (d *fakeDevice) WaitForInterrupt() {
	d.waits++
	if d.waitFn != nil {
		d.waitFn()
	}
}

func (d *fakeDevice) lastPoint() profile.OperatingPoint {
	return d.points[len(d.points)-1]
}

func newTestGovernor(t *testing.T, chip profile.Chip) (*Governor, *fakeDevice, *fakeClock) {
	t.Helper()

	table, err := profile.TableFor(chip)
	require.NoError(t, err)

	dev := &fakeDevice{temp: 35}
	clk := &fakeClock{now: time.Unix(2000, 0)}

	g, err := New(table, dev, clk, DefaultConfig())
	require.NoError(t, err)

	return g, dev, clk
}

// evalAfter advances the clock, pins the smoothed load and runs one
// evaluation, bypassing the tick cadence
func evalAfter(g *Governor, clk *fakeClock, d time.Duration, load float64) {
	clk.advance(d)
	g.tracker.smoothed = load
	g.evaluate(clk.now)
}

func evalWithLoad(g *Governor, clk *fakeClock, load float64) {
	evalAfter(g, clk, EvaluateInterval, load)
}

func TestConfigValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	t.Run("release must sit below throttle", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ReleaseTemp = 75

		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrInvalidThresholds))
	})

	t.Run("throttle must sit below critical", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ThrottleTemp = 85

		assert.Error(t, cfg.Validate())
	})

	t.Run("durations must be positive", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BoostDuration = 0

		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrInvalidInterval))
	})
}

func TestNewStartsAtBalanced(t *testing.T) {
	g, dev, _ := newTestGovernor(t, profile.RP2040)

	assert.Equal(t, profile.Balanced, g.Level())
	assert.Equal(t, profile.Frequency(133_000), g.Frequency())
	assert.Equal(t, profile.Voltage(1050), g.Voltage())
	assert.Empty(t, dev.points, "construction must not touch the hardware")
}

func TestScaleUp(t *testing.T) {
	t.Run("load spike jumps straight to turbo", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)

		assert.Equal(t, profile.Turbo, g.Level())
		assert.True(t, g.TurboActive())
		assert.Equal(t, profile.OperatingPoint{Frequency: 250_000, Voltage: 1150}, dev.lastPoint())
	})

	t.Run("moderate load steps to performance", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 50)

		assert.Equal(t, profile.Performance, g.Level())
		assert.False(t, g.TurboActive())
	})

	t.Run("load inside the band holds the level", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 30)

		assert.Equal(t, profile.Balanced, g.Level())
		assert.Empty(t, dev.points)
	})
}

func TestScaleDownOneStepPerEvaluation(t *testing.T) {
	g, _, clk := newTestGovernor(t, profile.RP2040)

	evalWithLoad(g, clk, 75)
	require.Equal(t, profile.Turbo, g.Level())

	want := []profile.PowerLevel{
		profile.Performance,
		profile.Balanced,
		profile.Powersave,
		profile.UltraLow,
		profile.UltraLow,
	}
	for _, level := range want {
		evalWithLoad(g, clk, 0)
		assert.Equal(t, level, g.Level())
	}

	assert.Equal(t, uint64(5), g.Snapshot().Transitions)
}

func TestHysteresisHoldsLevel(t *testing.T) {
	t.Run("performance holds between thresholds", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 50)
		require.Equal(t, profile.Performance, g.Level())

		for i := 0; i < 5; i++ {
			evalWithLoad(g, clk, 40)
		}

		assert.Equal(t, profile.Performance, g.Level())
		assert.Equal(t, uint64(1), g.Snapshot().Transitions)
	})

	t.Run("turbo holds between thresholds", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)
		require.Equal(t, profile.Turbo, g.Level())

		evalWithLoad(g, clk, 60)

		assert.Equal(t, profile.Turbo, g.Level())
	})
}

func TestThermalProtection(t *testing.T) {
	t.Run("throttle caps the level at balanced", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)
		require.Equal(t, profile.Turbo, g.Level())

		dev.temp = 72
		evalWithLoad(g, clk, 75)

		assert.Equal(t, profile.Balanced, g.Level())
		assert.True(t, g.Throttled())

		// High load cannot climb past the cap while throttled
		evalWithLoad(g, clk, 75)
		assert.Equal(t, profile.Balanced, g.Level())
	})

	t.Run("critical forces powersave", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)
		dev.temp = 85
		evalWithLoad(g, clk, 75)

		assert.Equal(t, profile.Powersave, g.Level())
		assert.True(t, g.Throttled())
	})

	t.Run("critical reasserts over an override", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		dev.temp = 85
		evalWithLoad(g, clk, 0)
		require.True(t, g.Throttled())

		require.True(t, g.RequestLevel(profile.Turbo, 0))
		require.Equal(t, profile.Turbo, g.Level())

		evalWithLoad(g, clk, 0)

		assert.Equal(t, profile.Powersave, g.Level())
		assert.True(t, g.OverrideActive())
	})

	t.Run("throttle applies its cap only on the edge", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		dev.temp = 72
		evalWithLoad(g, clk, 0)
		require.True(t, g.Throttled())
		require.Equal(t, profile.Balanced, g.Level())

		// An override may climb back above the cap until critical
		require.True(t, g.RequestLevel(profile.Turbo, 0))
		evalWithLoad(g, clk, 0)

		assert.Equal(t, profile.Turbo, g.Level())
	})

	t.Run("release waits for the hysteresis gap", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		dev.temp = 72
		evalWithLoad(g, clk, 0)
		require.True(t, g.Throttled())

		dev.temp = 65
		evalWithLoad(g, clk, 0)
		assert.True(t, g.Throttled(), "between release and throttle must stay throttled")

		dev.temp = 59
		evalWithLoad(g, clk, 0)
		assert.False(t, g.Throttled())

		evalWithLoad(g, clk, 75)
		assert.Equal(t, profile.Turbo, g.Level())
	})

	t.Run("sensor failure reuses the last sample", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		dev.temp = 85
		evalWithLoad(g, clk, 0)
		require.True(t, g.Throttled())

		dev.tempErr = fmt.Errorf("adc busy")
		evalWithLoad(g, clk, 0)

		assert.InDelta(t, 85.0, g.Temperature(), 1e-9)
		assert.True(t, g.Throttled())

		dev.tempErr = nil
		dev.temp = 50
		evalWithLoad(g, clk, 0)
		assert.False(t, g.Throttled())
	})
}

func TestTurboResidencyLimit(t *testing.T) {
	t.Run("steps down after the residency window", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)
		require.Equal(t, profile.Turbo, g.Level())

		evalAfter(g, clk, DefaultTurboMaxTime, 75)

		assert.Equal(t, profile.Performance, g.Level())
		assert.False(t, g.TurboActive())

		// Sustained load starts a fresh residency window
		evalWithLoad(g, clk, 75)
		assert.Equal(t, profile.Turbo, g.Level())
		assert.True(t, g.TurboActive())
	})

	t.Run("applies even under an override", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		require.True(t, g.RequestLevel(profile.Turbo, 0))
		evalAfter(g, clk, DefaultTurboMaxTime, 75)

		assert.Equal(t, profile.Performance, g.Level())
		assert.True(t, g.OverrideActive())
	})
}

func TestBoost(t *testing.T) {
	t.Run("raises the level to performance immediately", func(t *testing.T) {
		g, dev, _ := newTestGovernor(t, profile.RP2040)

		require.True(t, g.RequestLevel(profile.UltraLow, 0))
		g.ClearOverride()

		g.RequestBoost()

		assert.Equal(t, profile.Performance, g.Level())
		assert.True(t, g.BoostActive())
		assert.Equal(t, profile.OperatingPoint{Frequency: 200_000, Voltage: 1100}, dev.lastPoint())
	})

	t.Run("holds the level until it expires", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		require.True(t, g.RequestLevel(profile.UltraLow, 0))
		g.ClearOverride()
		g.RequestBoost()

		evalWithLoad(g, clk, 0)
		assert.Equal(t, profile.Performance, g.Level())
		assert.True(t, g.BoostActive())

		evalAfter(g, clk, DefaultBoostDuration, 0)
		assert.False(t, g.BoostActive())
		assert.Equal(t, profile.Balanced, g.Level())
	})

	t.Run("does not reapply above performance", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)
		require.Equal(t, profile.Turbo, g.Level())
		applied := len(dev.points)

		g.RequestBoost()

		assert.True(t, g.BoostActive())
		assert.Len(t, dev.points, applied)

		evalWithLoad(g, clk, 0)
		assert.Equal(t, profile.Turbo, g.Level(), "boost must hold the level above performance")
	})

	t.Run("ignored while throttled", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		dev.temp = 72
		evalWithLoad(g, clk, 30)
		require.True(t, g.Throttled())

		g.RequestBoost()

		assert.False(t, g.BoostActive())
		assert.Equal(t, profile.Balanced, g.Level())
		assert.Empty(t, dev.points)
	})
}

func TestOverride(t *testing.T) {
	t.Run("applies immediately regardless of load", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		require.True(t, g.RequestLevel(profile.Turbo, 0))
		assert.Equal(t, profile.Turbo, g.Level())

		evalWithLoad(g, clk, 0)
		assert.Equal(t, profile.Turbo, g.Level(), "idle load must not move an overridden level")
	})

	t.Run("rejects an unknown level", func(t *testing.T) {
		g, dev, _ := newTestGovernor(t, profile.RP2040)

		assert.False(t, g.RequestLevel(profile.PowerLevel(7), time.Second))
		assert.Equal(t, profile.Balanced, g.Level())
		assert.False(t, g.OverrideActive())
		assert.Empty(t, dev.points)
	})

	t.Run("timed override expires", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		require.True(t, g.RequestLevel(profile.UltraLow, 500*time.Millisecond))

		evalAfter(g, clk, 400*time.Millisecond, 75)
		assert.Equal(t, profile.UltraLow, g.Level())
		assert.True(t, g.OverrideActive())

		evalAfter(g, clk, 200*time.Millisecond, 75)
		assert.False(t, g.OverrideActive())
		assert.Equal(t, profile.Turbo, g.Level())
	})

	t.Run("zero hold lasts until cleared", func(t *testing.T) {
		g, _, clk := newTestGovernor(t, profile.RP2040)

		require.True(t, g.RequestLevel(profile.Powersave, 0))

		for i := 0; i < 3; i++ {
			evalAfter(g, clk, time.Hour, 75)
		}
		assert.Equal(t, profile.Powersave, g.Level())
		assert.True(t, g.Snapshot().OverrideIndefinite)

		g.ClearOverride()
		evalWithLoad(g, clk, 75)
		assert.Equal(t, profile.Turbo, g.Level())
	})
}

func TestApplyFailure(t *testing.T) {
	t.Run("rejection keeps level and voltage, drops to the safe clock", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 50)
		require.Equal(t, profile.Performance, g.Level())

		dev.rejectAbove = profile.FallbackFrequency
		evalWithLoad(g, clk, 75)

		assert.Equal(t, profile.Performance, g.Level())
		assert.Equal(t, profile.FallbackFrequency, g.Frequency())
		assert.Equal(t, profile.Voltage(1100), g.Voltage(), "voltage must stay at the accepted level")
		assert.Equal(t, profile.OperatingPoint{Frequency: profile.FallbackFrequency, Voltage: 1100}, dev.lastPoint())
		assert.Equal(t, uint64(1), g.Snapshot().Fallbacks)
		assert.Equal(t, uint64(1), g.Snapshot().Transitions)
	})

	t.Run("fallback rejection still records the safe clock", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 50)
		require.Equal(t, profile.Performance, g.Level())
		applied := len(dev.points)

		dev.rejectAll = true
		evalWithLoad(g, clk, 75)

		assert.Equal(t, profile.Performance, g.Level())
		assert.Equal(t, profile.FallbackFrequency, g.Frequency())
		assert.Len(t, dev.points, applied)
		assert.Equal(t, uint64(1), g.Snapshot().Fallbacks)
	})
}

func TestLowPowerWait(t *testing.T) {
	t.Run("parks an idle rp2350 at the lowest level", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2350)

		require.True(t, g.RequestLevel(profile.UltraLow, 0))
		clk.advance(10 * time.Millisecond)
		g.Tick()

		assert.Equal(t, 1, dev.waits)
	})

	t.Run("never parks an rp2040", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		require.True(t, g.RequestLevel(profile.UltraLow, 0))
		clk.advance(10 * time.Millisecond)
		g.Tick()

		assert.Zero(t, dev.waits)
	})

	t.Run("skipped when load is present", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2350)

		require.True(t, g.RequestLevel(profile.UltraLow, 0))
		g.tracker.smoothed = 5
		clk.advance(10 * time.Millisecond)
		g.Tick()

		assert.Zero(t, dev.waits)
	})

	t.Run("skipped while throttled", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2350)

		require.True(t, g.RequestLevel(profile.UltraLow, 0))
		dev.temp = 85
		clk.advance(EvaluateInterval)
		g.Tick()

		require.True(t, g.Throttled())
		assert.Zero(t, dev.waits)
	})

	t.Run("wait time does not read as work", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2350)
		dev.waitFn = func() { clk.advance(50 * time.Millisecond) }

		require.True(t, g.RequestLevel(profile.UltraLow, 0))

		clk.advance(10 * time.Millisecond)
		g.Tick()
		require.Equal(t, 1, dev.waits)

		clk.advance(190 * time.Millisecond)
		g.Tick()

		// 190ms of work over a 250ms period; the 50ms park is excluded
		assert.InDelta(t, 76.0, g.InstantLoad(), 1e-9)
	})
}

func TestTickEvaluationCadence(t *testing.T) {
	g, dev, clk := newTestGovernor(t, profile.RP2040)

	for i := 0; i < 25; i++ {
		clk.advance(10 * time.Millisecond)
		g.Tick()
	}

	assert.Equal(t, 2, dev.tempReads, "ticks between evaluation intervals must not evaluate")
}

func TestOneTransitionPerEvaluation(t *testing.T) {
	t.Run("thermal apply suppresses autoscale", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)
		require.Equal(t, profile.Turbo, g.Level())
		applied := len(dev.points)

		dev.temp = 72
		evalWithLoad(g, clk, 0)

		// Idle load would ask for a further step down in the same pass
		assert.Equal(t, profile.Balanced, g.Level())
		assert.Len(t, dev.points, applied+1)
	})

	t.Run("timeout apply suppresses autoscale", func(t *testing.T) {
		g, dev, clk := newTestGovernor(t, profile.RP2040)

		evalWithLoad(g, clk, 75)
		require.Equal(t, profile.Turbo, g.Level())
		applied := len(dev.points)

		evalAfter(g, clk, DefaultTurboMaxTime, 0)

		assert.Equal(t, profile.Performance, g.Level())
		assert.Len(t, dev.points, applied+1)
	})
}

func TestSnapshot(t *testing.T) {
	g, dev, clk := newTestGovernor(t, profile.RP2040)

	dev.temp = 45
	evalWithLoad(g, clk, 75)

	snap := g.Snapshot()
	assert.Equal(t, profile.RP2040, snap.Chip)
	assert.Equal(t, profile.Turbo, snap.Level)
	assert.Equal(t, profile.Frequency(250_000), snap.Frequency)
	assert.Equal(t, profile.Voltage(1150), snap.Voltage)
	assert.InDelta(t, 45.0, snap.Temperature, 1e-9)
	assert.True(t, snap.TurboActive)
	assert.False(t, snap.Override)
	assert.Equal(t, uint64(1), snap.Transitions)

	require.True(t, g.RequestLevel(profile.Powersave, 2*time.Second))
	snap = g.Snapshot()
	assert.True(t, snap.Override)
	assert.False(t, snap.OverrideIndefinite)
	assert.Equal(t, 2*time.Second, snap.OverrideRemaining)

	clk.advance(500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, g.Snapshot().OverrideRemaining)

	require.True(t, g.RequestLevel(profile.Powersave, 0))
	snap = g.Snapshot()
	assert.True(t, snap.OverrideIndefinite)
	assert.Zero(t, snap.OverrideRemaining)
}
