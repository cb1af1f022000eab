package device

import (
	"time"

	"codeberg.org/mutker/picogov/internal/profile"
)

// Controller abstracts the clock, voltage regulator and temperature
// sensor of the governed chip
type Controller interface {
	// SetOperatingPoint applies a frequency/voltage pair. When the clock
	// is being raised the voltage is applied first and allowed to settle
	// before the frequency moves; when lowered the frequency drops first.
	// Implementations must not leave the voltage below what the applied
	// frequency requires, including on failure.
	SetOperatingPoint(point profile.OperatingPoint) error

	// Temperature returns the die temperature in degrees Celsius
	Temperature() (float64, error)

	// WaitForInterrupt parks the core until the next wakeup event. Only
	// called on chips that report the low-power wait capability.
	WaitForInterrupt()
}

// Clock supplies time to device implementations
type Clock interface {
	Now() time.Time
}
