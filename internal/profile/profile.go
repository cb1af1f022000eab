package profile

import (
	"strings"

	"codeberg.org/mutker/picogov/internal/errors"
)

// PowerLevel identifies one of the governor's discrete operating levels,
// ordered from lowest to highest power draw.
type PowerLevel int

const (
	UltraLow PowerLevel = iota
	Powersave
	Balanced
	Performance
	Turbo
)

const levelCount = 5

var levelNames = [levelCount]string{
	"ULTRA_LOW",
	"POWERSAVE",
	"BALANCED",
	"PERFORMANCE",
	"TURBO",
}

func (l PowerLevel) String() string {
	if !l.Valid() {
		return "UNKNOWN"
	}

	return levelNames[l]
}

// Valid reports whether the level is one of the five defined levels
func (l PowerLevel) Valid() bool {
	return l >= UltraLow && l < levelCount
}

// Levels returns all levels in ascending order
func Levels() []PowerLevel {
	return []PowerLevel{UltraLow, Powersave, Balanced, Performance, Turbo}
}

// Domain types for type safety and validation
type (
	// Frequency is a system clock frequency in kHz
	Frequency int
	// Voltage is a core voltage in millivolts
	Voltage int

	// OperatingPoint pairs the clock frequency with the core voltage
	// required to sustain it
	OperatingPoint struct {
		Frequency Frequency
		Voltage   Voltage
	}
)

// MHz returns the frequency in whole megahertz
func (f Frequency) MHz() int {
	return int(f) / 1000
}

// FallbackFrequency is the known-safe system clock applied when a
// requested operating point is rejected by the hardware. The core voltage
// is left as previously applied, which is always sufficient for it.
const FallbackFrequency Frequency = 133_000

// Chip identifies the microcontroller variant being governed
type Chip int

const (
	RP2040 Chip = iota
	RP2350
)

func (c Chip) String() string {
	switch c {
	case RP2040:
		return "RP2040"
	case RP2350:
		return "RP2350"
	default:
		return "UNKNOWN"
	}
}

// HasLowPowerWait reports whether the chip can park the core in a
// wait-for-interrupt state while idling at the lowest level
func (c Chip) HasLowPowerWait() bool {
	return c == RP2350
}

// ParseChip resolves a configuration string to a chip variant
func ParseChip(s string) (Chip, error) {
	errFactory := errors.New()

	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rp2040":
		return RP2040, nil
	case "rp2350":
		return RP2350, nil
	default:
		return 0, errFactory.WithData(errors.ErrInvalidChip, s)
	}
}

// Table holds the per-level operating points for one chip variant
type Table struct {
	chip   Chip
	points [levelCount]OperatingPoint
}

var tables = map[Chip][levelCount]OperatingPoint{
	RP2040: {
		{Frequency: 50_000, Voltage: 950},
		{Frequency: 100_000, Voltage: 1000},
		{Frequency: 133_000, Voltage: 1050},
		{Frequency: 200_000, Voltage: 1100},
		{Frequency: 250_000, Voltage: 1150},
	},
	RP2350: {
		{Frequency: 50_000, Voltage: 950},
		{Frequency: 100_000, Voltage: 1000},
		{Frequency: 150_000, Voltage: 1050},
		{Frequency: 250_000, Voltage: 1100},
		{Frequency: 300_000, Voltage: 1250},
	},
}

// TableFor returns the operating point table for a chip variant
func TableFor(chip Chip) (Table, error) {
	errFactory := errors.New()

	points, ok := tables[chip]
	if !ok {
		return Table{}, errFactory.WithData(errors.ErrInvalidChip, int(chip))
	}

	return Table{chip: chip, points: points}, nil
}

// Chip returns the chip variant the table describes
func (t Table) Chip() Chip {
	return t.chip
}

// Lookup returns the operating point for a level
func (t Table) Lookup(level PowerLevel) (OperatingPoint, error) {
	errFactory := errors.New()

	if !level.Valid() {
		return OperatingPoint{}, errFactory.WithData(errors.ErrInvalidLevel, int(level))
	}

	return t.points[level], nil
}

// MaxFrequency returns the highest frequency in the table
func (t Table) MaxFrequency() Frequency {
	return t.points[Turbo].Frequency
}
