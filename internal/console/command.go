package console

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/profile"
)

// Kind identifies what a parsed command asks the daemon to do.
type Kind int

const (
	KindHelp Kind = iota
	KindStatus
	KindAuto
	KindLevel
	KindBoost
	KindBurn
	KindHeat
	KindQuit
)

// Command is one parsed console line. Level and Hold are set for KindLevel,
// Duration for KindBurn, Value for KindHeat.
type Command struct {
	Kind     Kind
	Level    profile.PowerLevel
	Hold     time.Duration
	Duration time.Duration
	Value    float64
}

const (
	defaultTurboHold = 30 * time.Second
	defaultSaveHold  = 60 * time.Second

	maxHoldSecs   = 3600
	maxBurnMillis = 60000

	minAmbientC = -40.0
	maxAmbientC = 120.0
)

// HelpText lists the commands the console accepts.
const HelpText = `commands:
  status, s          show governor state
  auto, a            resume automatic scaling
  turbo [secs]       hold TURBO (default 30s, 0 = until auto)
  perf [secs]        hold PERFORMANCE (default until auto)
  bal [secs]         hold BALANCED (default until auto)
  save, power [secs] hold POWERSAVE (default 60s, 0 = until auto)
  ultra, low [secs]  hold ULTRA_LOW (default until auto)
  boost              request a short performance boost
  burn <ms>          generate synthetic load for <ms> milliseconds
  heat <c>           set simulated ambient temperature in celsius
  help, gov, ?       show this help
  quit, exit         stop the daemon`

// Parse turns one console line into a Command. Input is case-insensitive
// and leading/trailing whitespace is ignored.
func Parse(line string) (Command, error) {
	errFactory := errors.New()

	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Command{}, errFactory.New(ErrEmptyCommand)
	}

	name, args := fields[0], fields[1:]

	switch name {
	case "help", "gov", "?":
		return Command{Kind: KindHelp}, nil
	case "status", "s":
		return Command{Kind: KindStatus}, nil
	case "auto", "a":
		return Command{Kind: KindAuto}, nil
	case "turbo":
		return levelCommand(profile.Turbo, args, defaultTurboHold)
	case "perf":
		return levelCommand(profile.Performance, args, 0)
	case "bal":
		return levelCommand(profile.Balanced, args, 0)
	case "save", "power":
		return levelCommand(profile.Powersave, args, defaultSaveHold)
	case "ultra", "low":
		return levelCommand(profile.UltraLow, args, 0)
	case "boost":
		return Command{Kind: KindBoost}, nil
	case "burn":
		return burnCommand(args)
	case "heat":
		return heatCommand(args)
	case "quit", "exit":
		return Command{Kind: KindQuit}, nil
	default:
		return Command{}, errFactory.WithMessage(ErrUnknownCommand,
			fmt.Sprintf("unknown command %q", name))
	}
}

// levelCommand builds a hold request. A missing argument uses the per-level
// default; an explicit 0 holds until the next auto command.
func levelCommand(level profile.PowerLevel, args []string, hold time.Duration) (Command, error) {
	errFactory := errors.New()

	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs < 0 || secs > maxHoldSecs {
			return Command{}, errFactory.WithMessage(ErrInvalidArgument,
				fmt.Sprintf("hold must be 0-%d seconds, got %q", maxHoldSecs, args[0]))
		}
		hold = time.Duration(secs) * time.Second
	}

	return Command{Kind: KindLevel, Level: level, Hold: hold}, nil
}

func burnCommand(args []string) (Command, error) {
	errFactory := errors.New()

	if len(args) == 0 {
		return Command{}, errFactory.WithMessage(ErrInvalidArgument,
			"burn requires a duration in milliseconds")
	}

	ms, err := strconv.Atoi(args[0])
	if err != nil || ms < 1 || ms > maxBurnMillis {
		return Command{}, errFactory.WithMessage(ErrInvalidArgument,
			fmt.Sprintf("burn duration must be 1-%d ms, got %q", maxBurnMillis, args[0]))
	}

	return Command{Kind: KindBurn, Duration: time.Duration(ms) * time.Millisecond}, nil
}

func heatCommand(args []string) (Command, error) {
	errFactory := errors.New()

	if len(args) == 0 {
		return Command{}, errFactory.WithMessage(ErrInvalidArgument,
			"heat requires a temperature in celsius")
	}

	celsius, err := strconv.ParseFloat(args[0], 64)
	if err != nil || celsius < minAmbientC || celsius > maxAmbientC {
		return Command{}, errFactory.WithMessage(ErrInvalidArgument,
			fmt.Sprintf("temperature must be %.0f to %.0f celsius, got %q",
				minAmbientC, maxAmbientC, args[0]))
	}

	return Command{Kind: KindHeat, Value: celsius}, nil
}
