package governor

import (
	"time"

	"codeberg.org/mutker/picogov/internal/logger"
	"codeberg.org/mutker/picogov/internal/profile"
)

// upRule promotes to target once the smoothed load reaches its
// threshold. Rules are checked top down and the first met threshold
// wins, so upward moves may skip levels under a load spike.
type upRule struct {
	target    profile.PowerLevel
	threshold float64
}

var upRules = []upRule{
	{profile.Turbo, 70},
	{profile.Performance, 45},
	{profile.Balanced, 20},
}

// downRules gate single-step demotions on the current level's own
// threshold. Each down threshold sits below every up threshold that can
// reach its level, which is what keeps a steady load from oscillating.
var downRules = map[profile.PowerLevel]float64{
	profile.Turbo:       55,
	profile.Performance: 30,
	profile.Balanced:    12,
	profile.Powersave:   5,
}

// evaluation carries the per-evaluation state through the stages.
// applied latches after the first level change so an evaluation never
// moves the level twice; later stages still run for their bookkeeping.
type evaluation struct {
	now     time.Time
	load    float64
	applied bool
}

type stage struct {
	name string
	run  func(*evaluation)
}

func (g *Governor) evaluate(now time.Time) {
	ev := &evaluation{now: now, load: g.tracker.Smoothed()}
	for _, s := range g.stages {
		s.run(ev)
	}
}

// thermalStage samples the die temperature and maintains the throttle
// flag. Critical temperature re-asserts the Powersave ceiling on every
// evaluation; the throttle ceiling applies only on the edge into the
// throttled state, so an override can still raise the level until the
// die crosses critical.
func (g *Governor) thermalStage(ev *evaluation) {
	temp, err := g.dev.Temperature()
	if err != nil {
		logger.Warn().Err(err).Msg("Temperature read failed, reusing last sample")
		temp = g.temperature
	}
	g.temperature = temp

	switch {
	case temp >= g.cfg.CriticalTemp:
		if !g.throttled {
			logger.Warn().Float64("temperature", temp).Msg("Critical temperature, throttling")
		}
		g.throttled = true
		if g.level > profile.Powersave {
			g.transition(ev, profile.Powersave, "thermal")
		}
	case temp >= g.cfg.ThrottleTemp:
		if !g.throttled {
			logger.Warn().Float64("temperature", temp).Msg("Throttle temperature reached")
			g.throttled = true
			if g.level > profile.Balanced {
				g.transition(ev, profile.Balanced, "thermal")
			}
		}
	case temp < g.cfg.ReleaseTemp:
		if g.throttled {
			g.throttled = false
			logger.Info().Float64("temperature", temp).Msg("Thermal throttle released")
		}
	}
}

// timeoutStage expires the turbo residency, boost and override timers.
// Timer bookkeeping always runs, even when an earlier stage already
// moved the level this evaluation.
func (g *Governor) timeoutStage(ev *evaluation) {
	if g.turboActive && ev.now.Sub(g.turboSince) >= g.cfg.TurboMaxTime {
		g.turboActive = false
		if g.level == profile.Turbo {
			logger.Info().Msg("Turbo residency limit reached")
			g.transition(ev, profile.Performance, "timeout")
		}
	}

	if g.boostActive && ev.now.Sub(g.boostSince) >= g.cfg.BoostDuration {
		g.boostActive = false
	}

	if g.override && !g.overrideUntil.IsZero() && !ev.now.Before(g.overrideUntil) {
		g.override = false
		g.overrideUntil = time.Time{}
		logger.Info().Msg("Override expired, automatic scaling resumed")
	}
}

// autoscaleStage picks a level from the smoothed load. Skipped entirely
// while an override pins the level, while a boost holds it at
// Performance or above, or when a protection stage already moved it.
func (g *Governor) autoscaleStage(ev *evaluation) {
	if ev.applied || g.override {
		return
	}

	if g.boostActive && g.level >= profile.Performance {
		return
	}

	target := g.level

	if !g.throttled {
		for _, rule := range upRules {
			if ev.load < rule.threshold {
				continue
			}
			if rule.target > g.level {
				target = rule.target
			}
			break
		}
	}

	if threshold, ok := downRules[g.level]; ok && ev.load < threshold {
		target = g.level - 1
	}

	if g.throttled && target > profile.Balanced {
		target = profile.Balanced
	}

	if target != g.level {
		g.transition(ev, target, "autoscale")
	}
}

func (g *Governor) transition(ev *evaluation, target profile.PowerLevel, reason string) {
	if ev.applied {
		return
	}
	ev.applied = true
	g.apply(target, ev.now, reason)
}

// apply moves the hardware to the target level's operating point. On
// rejection the level and voltage are kept and only the clock drops to
// the fallback frequency, which the held voltage still supports.
func (g *Governor) apply(target profile.PowerLevel, now time.Time, reason string) {
	point, err := g.table.Lookup(target)
	if err != nil {
		logger.Error().Err(err).Msg("No operating point for level")
		return
	}

	if err := g.dev.SetOperatingPoint(point); err != nil {
		logger.Warn().
			Err(err).
			Str("level", target.String()).
			Int("frequency_mhz", point.Frequency.MHz()).
			Msg("Operating point rejected, falling back to safe frequency")

		fallback := profile.OperatingPoint{
			Frequency: profile.FallbackFrequency,
			Voltage:   g.voltage,
		}
		if err := g.dev.SetOperatingPoint(fallback); err != nil {
			logger.Error().Err(err).Msg("Fallback frequency rejected")
		}
		g.frequency = profile.FallbackFrequency
		g.fallbacks++

		return
	}

	if target == profile.Turbo && !g.turboActive {
		g.turboActive = true
		g.turboSince = now
	}
	if target != profile.Turbo {
		g.turboActive = false
	}

	if target != g.level {
		g.transitions++
		logger.Info().
			Str("reason", reason).
			Str("from", g.level.String()).
			Str("to", target.String()).
			Int("frequency_mhz", point.Frequency.MHz()).
			Msg("Power level changed")
	}

	g.level = target
	g.frequency = point.Frequency
	g.voltage = point.Voltage
}
