package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"codeberg.org/mutker/picogov/internal/config"
	"codeberg.org/mutker/picogov/internal/console"
	"codeberg.org/mutker/picogov/internal/device"
	"codeberg.org/mutker/picogov/internal/governor"
	"codeberg.org/mutker/picogov/internal/logger"
	"codeberg.org/mutker/picogov/internal/monitoring"
	"codeberg.org/mutker/picogov/internal/mqtt"
	"codeberg.org/mutker/picogov/internal/pid"
	"codeberg.org/mutker/picogov/internal/profile"
	"codeberg.org/mutker/picogov/internal/telemetry"
)

const (
	commandQueueDepth       = 8
	exporterShutdownTimeout = 3 * time.Second
)

var cfg *config.Config

func init() {
	// A .env file can supply PICOGOV_* variables during development
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	applyLogLevel()
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Error().Err(err).Msg("failed to write pidfile")
		os.Exit(1)
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove pidfile")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cancel); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cancel context.CancelFunc) error {
	chip, err := profile.ParseChip(cfg.Chip)
	if err != nil {
		return err
	}

	table, err := profile.TableFor(chip)
	if err != nil {
		return err
	}

	clock := governor.SystemClock()
	sim, err := device.NewSim(chip, clock, device.DefaultSimConfig())
	if err != nil {
		return err
	}

	gov, err := governor.New(table, sim, clock, cfg.GovernorConfig())
	if err != nil {
		return err
	}
	logger.Info().
		Str("chip", chip.String()).
		Int("frequency_khz", int(gov.Frequency())).
		Msg("Governor initialized")

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.DBPath = cfg.TelemetryDB
	telemetryCfg.Enabled = cfg.Telemetry
	collector, err := telemetry.NewService(telemetryCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close telemetry")
		}
	}()

	var exporter *monitoring.Exporter
	if cfg.MetricsListen != "" {
		exporter = monitoring.New(cfg.MetricsListen)
		exporter.Start()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), exporterShutdownTimeout)
			defer cancelShutdown()
			if err := exporter.Close(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("failed to stop metrics endpoint")
			}
		}()
	}

	var publisher *mqtt.Publisher
	if cfg.MQTTBroker != "" {
		publisher, err = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			// The daemon governs fine without a broker
			logger.Warn().Err(err).Msg("MQTT publishing disabled")
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	commands := make(chan console.Command, commandQueueDepth)
	var term *console.Console
	if !cfg.Service && !logger.IsService() {
		term, err = console.New(commands)
		if err != nil {
			logger.Warn().Err(err).Msg("interactive console unavailable")
			term = nil
		} else {
			defer term.Close()
			// Route log lines through the console so the prompt survives them
			logger.InitWithWriter(cfg.Debug, cfg.Verbose, false, term.Writer())
			applyLogLevel()
			go term.Run(ctx)
			term.Print("picogov console, type 'help' for commands")
		}
	}

	return loop(ctx, cancel, gov, sim, collector, exporter, publisher, term, commands)
}

// loop drives the governor from a single goroutine: console commands are
// drained first, a pending burn budget spins on the CPU so it is measured
// as work, and otherwise the wait for the next tick is declared idle.
func loop(
	ctx context.Context,
	cancel context.CancelFunc,
	gov *governor.Governor,
	sim *device.Sim,
	collector telemetry.Collector,
	exporter *monitoring.Exporter,
	publisher *mqtt.Publisher,
	term *console.Console,
	commands <-chan console.Command,
) error {
	ticker := time.NewTicker(cfg.TickInterval())
	defer ticker.Stop()

	snapshotTicker := time.NewTicker(cfg.SnapshotInterval())
	defer snapshotTicker.Stop()

	publishTicker := time.NewTicker(cfg.MQTTPublishInterval())
	defer publishTicker.Stop()

	var burnUntil time.Time

	for {
	drain:
		for {
			select {
			case cmd := <-commands:
				var quit bool
				burnUntil, quit = dispatch(cmd, gov, sim, term, burnUntil)
				if quit {
					cancel()
					return nil
				}
			default:
				break drain
			}
		}

		now := time.Now()
		if now.Before(burnUntil) {
			spinUntil(minTime(burnUntil, now.Add(cfg.TickInterval())))
		} else {
			waitStart := now
			select {
			case <-ctx.Done():
				return nil

			case cmd := <-commands:
				gov.DeclareIdle(time.Since(waitStart))
				var quit bool
				burnUntil, quit = dispatch(cmd, gov, sim, term, burnUntil)
				if quit {
					cancel()
					return nil
				}

			case <-snapshotTicker.C:
				gov.DeclareIdle(time.Since(waitStart))
				snap := gov.Snapshot()
				if err := collector.Record(ctx, &snap); err != nil {
					logger.Warn().Err(err).Msg("failed to record snapshot")
				}
				if exporter != nil {
					exporter.Update(snap)
				}

			case <-publishTicker.C:
				gov.DeclareIdle(time.Since(waitStart))
				if publisher != nil {
					if err := publisher.PublishStatus(gov.Snapshot()); err != nil {
						logger.Warn().Err(err).Msg("failed to publish status")
					}
				}

			case <-ticker.C:
				gov.DeclareIdle(time.Since(waitStart))
			}
		}

		gov.Tick()
	}
}

// dispatch applies one console command and returns the updated burn
// deadline plus whether the daemon should quit.
func dispatch(
	cmd console.Command,
	gov *governor.Governor,
	sim *device.Sim,
	term *console.Console,
	burnUntil time.Time,
) (time.Time, bool) {
	switch cmd.Kind {
	case console.KindHelp:
		printTo(term, console.HelpText)

	case console.KindStatus:
		printTo(term, console.FormatStatus(gov.Snapshot()))

	case console.KindAuto:
		gov.ClearOverride()
		printTo(term, "automatic scaling resumed")

	case console.KindLevel:
		if gov.RequestLevel(cmd.Level, cmd.Hold) {
			printTo(term, holdMessage(cmd))
		} else {
			printTo(term, "level request rejected")
		}

	case console.KindBoost:
		gov.RequestBoost()
		printTo(term, "boost requested")

	case console.KindBurn:
		burnUntil = time.Now().Add(cmd.Duration)
		printTo(term, fmt.Sprintf("burning for %s", cmd.Duration))

	case console.KindHeat:
		sim.SetAmbient(cmd.Value)
		printTo(term, fmt.Sprintf("ambient set to %.1fC", cmd.Value))

	case console.KindQuit:
		return burnUntil, true
	}

	return burnUntil, false
}

func holdMessage(cmd console.Command) string {
	if cmd.Hold == 0 {
		return fmt.Sprintf("holding %s until auto", cmd.Level)
	}

	return fmt.Sprintf("holding %s for %s", cmd.Level, cmd.Hold)
}

func printTo(term *console.Console, line string) {
	if term != nil {
		term.Print(line)
	}
}

// spinUntil busy-loops so the elapsed time is measured as work.
func spinUntil(deadline time.Time) {
	for time.Now().Before(deadline) {
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}

	return b
}

func applyLogLevel() {
	if cfg.Debug || cfg.Verbose {
		// Flags take precedence over the configured level
		return
	}

	switch config.LogLevel(strings.ToLower(cfg.LogLevel)) {
	case config.LogLevelDebug:
		logger.SetLogLevel(logger.DebugLevel)
	case config.LogLevelInfo:
		logger.SetLogLevel(logger.InfoLevel)
	case config.LogLevelWarn:
		logger.SetLogLevel(logger.WarnLevel)
	case config.LogLevelError:
		logger.SetLogLevel(logger.ErrorLevel)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
