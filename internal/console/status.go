package console

import (
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/picogov/internal/governor"
)

// FormatStatus renders a governor snapshot for the status command.
func FormatStatus(s governor.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "level:  %s @ %d MHz, %d mV\n", s.Level, s.Frequency.MHz(), s.Voltage)
	fmt.Fprintf(&b, "load:   %.1f%% smoothed, %.1f%% instant\n", s.SmoothedLoad, s.InstantLoad)
	fmt.Fprintf(&b, "temp:   %.1fC\n", s.Temperature)
	fmt.Fprintf(&b, "chip:   %s\n", s.Chip)
	fmt.Fprintf(&b, "mode:   %s", modeString(s))

	if flags := flagString(s); flags != "" {
		fmt.Fprintf(&b, "\nflags:  %s", flags)
	}

	return b.String()
}

func modeString(s governor.Snapshot) string {
	switch {
	case !s.Override:
		return "auto"
	case s.OverrideIndefinite:
		return "held until auto"
	default:
		return fmt.Sprintf("override, %s left", s.OverrideRemaining.Round(time.Second))
	}
}

func flagString(s governor.Snapshot) string {
	var flags []string
	if s.TurboActive {
		flags = append(flags, "turbo")
	}
	if s.BoostActive {
		flags = append(flags, "boost")
	}
	if s.Throttled {
		flags = append(flags, "throttled")
	}

	return strings.Join(flags, " ")
}
