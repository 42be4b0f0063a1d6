package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/device"
	"modbus-bridge/internal/journal"
	"modbus-bridge/internal/poller"
	"modbus-bridge/internal/telemetry"
)

var (
	flagConfig      string
	flagOnce        bool
	flagInterval    time.Duration
	flagDevicePause time.Duration
	flagTimeout     time.Duration
	flagJournalDir  string
	flagDebug       bool
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Poll Modbus PLCs and republish readings over MQTT",
	Long: `bridge periodically reads holding registers from a fleet of Modbus TCP
devices and publishes each successful reading as a JSON telemetry message to
an authenticated MQTT endpoint. Devices are polled sequentially, one short
connection per device per sweep; a device or read failure never stops the
sweep.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	rootCmd.Flags().StringVar(&flagConfig, "config", "config/bridge.ini", "path to INI or YAML config")
	rootCmd.Flags().BoolVar(&flagOnce, "once", false, "run exactly one sweep and exit")
	rootCmd.Flags().DurationVar(&flagInterval, "interval", poller.DefaultSweepRest, "rest between sweeps")
	rootCmd.Flags().DurationVar(&flagDevicePause, "device-pause", poller.DefaultDevicePause, "pause between devices within a sweep")
	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", poller.DefaultConnectTimeout, "per-device connect/read timeout")
	rootCmd.Flags().StringVar(&flagJournalDir, "journal-dir", "", "record readings to JSONL+SQLite under this directory")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	if flagDebug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	store := device.NewStore(cfg.Devices)
	log.Info().Int("devices", store.Len()).Str("config", flagConfig).Msg("configuration loaded")

	channel, err := telemetry.NewMQTTChannel(telemetry.MQTTConfig{
		Endpoint:    cfg.Cloud.Endpoint,
		Port:        cfg.Cloud.Port,
		ClientID:    cfg.Cloud.ThingName,
		RootCA:      cfg.Cloud.RootCA,
		Certificate: cfg.Cloud.Certificate,
		PrivateKey:  cfg.Cloud.PrivateKey,
		Topic:       cfg.Cloud.Topic,
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	schedCfg := poller.Config{
		Store:       store,
		Opener:      poller.TCPOpener{Timeout: flagTimeout},
		Sink:        telemetry.NewPublisher(channel),
		DevicePause: flagDevicePause,
		SweepRest:   flagInterval,
	}

	if flagJournalDir != "" {
		j, err := journal.Open(flagJournalDir, 0)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Warn().Err(err).Msg("journal close failed")
			}
		}()
		schedCfg.Recorder = j
	}

	sched, err := poller.New(schedCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
	}()

	if flagOnce {
		if err := sched.Sweep(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
	return sched.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("bridge failed")
	}
}
