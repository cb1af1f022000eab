package device

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/logger"
	"codeberg.org/mutker/picogov/internal/profile"
)

const (
	// On-board regulator granularity shared by both supported chips
	vregStep profile.Voltage = 50
	vregMax  profile.Voltage = 1300

	// Internal temperature sensor transfer function
	adcVref        = 3.3
	adcResolution  = 4096
	sensorVoltAt27 = 0.706
	sensorSlope    = 0.001721
)

// StepKind identifies one regulator or clock write
type StepKind int

const (
	StepVoltage StepKind = iota
	StepFrequency
)

// Step records a single hardware write performed while applying an
// operating point
type Step struct {
	Kind      StepKind
	Frequency profile.Frequency
	Voltage   profile.Voltage
}

type SimConfig struct {
	// Ambient is the die temperature sustained with the clock at its floor
	Ambient float64
	// HeatSpan is the additional sustained temperature at the table's
	// highest frequency
	HeatSpan float64
	// TimeConstant is the first-order lag of the die temperature
	TimeConstant time.Duration
	// FailAbove rejects operating points above this frequency (0 = never),
	// which exercises the governor's fallback path
	FailAbove profile.Frequency
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		Ambient:      25,
		HeatSpan:     45,
		TimeConstant: 2 * time.Second,
	}
}

// Sim models the clock, regulator and temperature sensor of a governed
// chip. The die temperature follows the applied frequency through a
// first-order lag, and reads come back through the sensor's ADC transfer
// function so they carry its quantization.
type Sim struct {
	mu        sync.Mutex
	chip      profile.Chip
	clock     Clock
	cfg       SimConfig
	maxFreq   profile.Frequency
	frequency profile.Frequency
	voltage   profile.Voltage
	temp      float64
	ambient   float64
	lastStep  time.Time
	lastOps   []Step
}

// NewSim creates a simulated chip resting at the Balanced operating point
func NewSim(chip profile.Chip, clk Clock, cfg SimConfig) (*Sim, error) {
	table, err := profile.TableFor(chip)
	if err != nil {
		return nil, err
	}

	point, err := table.Lookup(profile.Balanced)
	if err != nil {
		return nil, err
	}

	if cfg.TimeConstant <= 0 {
		cfg.TimeConstant = DefaultSimConfig().TimeConstant
	}

	return &Sim{
		chip:      chip,
		clock:     clk,
		cfg:       cfg,
		maxFreq:   table.MaxFrequency(),
		frequency: point.Frequency,
		voltage:   point.Voltage,
		temp:      cfg.Ambient,
		ambient:   cfg.Ambient,
		lastStep:  clk.Now(),
	}, nil
}

func (s *Sim) SetOperatingPoint(point profile.OperatingPoint) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceThermal(s.clock.Now())

	if s.cfg.FailAbove > 0 && point.Frequency > s.cfg.FailAbove {
		return errFactory.WithData(ErrPointRejected, struct {
			Frequency profile.Frequency
			Voltage   profile.Voltage
		}{point.Frequency, point.Voltage})
	}

	voltage := QuantizeVoltage(point.Voltage)
	s.lastOps = s.lastOps[:0]

	if point.Frequency > s.frequency {
		// Raising the clock: the regulator reaches the higher voltage and
		// settles before the frequency moves
		s.applyVoltage(voltage)
		s.applyFrequency(point.Frequency)
	} else {
		s.applyFrequency(point.Frequency)
		s.applyVoltage(voltage)
	}

	logger.Debug().
		Int("frequency_khz", int(point.Frequency)).
		Int("voltage_mv", int(voltage)).
		Msg("Operating point applied")

	return nil
}

func (s *Sim) Temperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceThermal(s.clock.Now())

	return tempFromCount(adcCountFor(s.temp)), nil
}

// WaitForInterrupt models the tick interrupt that wakes a parked core
func (s *Sim) WaitForInterrupt() {
	time.Sleep(time.Millisecond)
}

// SetAmbient moves the resting temperature, emulating an external heat
// source or load on the die
func (s *Sim) SetAmbient(c float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceThermal(s.clock.Now())
	s.ambient = c
}

// Frequency returns the currently applied clock frequency
func (s *Sim) Frequency() profile.Frequency {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.frequency
}

// Voltage returns the currently applied regulator voltage
func (s *Sim) Voltage() profile.Voltage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.voltage
}

// LastOps returns the hardware writes performed by the most recent
// accepted operating point change
func (s *Sim) LastOps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]Step, len(s.lastOps))
	copy(ops, s.lastOps)

	return ops
}

func (s *Sim) applyVoltage(v profile.Voltage) {
	s.voltage = v
	s.lastOps = append(s.lastOps, Step{Kind: StepVoltage, Voltage: v})
}

func (s *Sim) applyFrequency(f profile.Frequency) {
	s.frequency = f
	s.lastOps = append(s.lastOps, Step{Kind: StepFrequency, Frequency: f})
}

func (s *Sim) advanceThermal(now time.Time) {
	dt := now.Sub(s.lastStep)
	if dt <= 0 {
		return
	}
	s.lastStep = now

	target := s.ambient + s.cfg.HeatSpan*float64(s.frequency)/float64(s.maxFreq)
	s.temp += (target - s.temp) * (1 - math.Exp(-dt.Seconds()/s.cfg.TimeConstant.Seconds()))
}

// QuantizeVoltage rounds a requested voltage up to the next regulator
// step, capped at the regulator's maximum
func QuantizeVoltage(v profile.Voltage) profile.Voltage {
	if v <= 0 {
		return 0
	}

	quantized := (v + vregStep - 1) / vregStep * vregStep
	if quantized > vregMax {
		quantized = vregMax
	}

	return quantized
}

func adcCountFor(temp float64) int {
	volts := sensorVoltAt27 - (temp-27)*sensorSlope
	count := int(math.Round(volts * adcResolution / adcVref))
	if count < 0 {
		count = 0
	}
	if count >= adcResolution {
		count = adcResolution - 1
	}

	return count
}

func tempFromCount(count int) float64 {
	volts := float64(count) * adcVref / adcResolution
	return 27 - (volts-sensorVoltAt27)/sensorSlope
}
