//go:build !rp2040 && !rp2350

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"water-my-garden-go/bus"
	"water-my-garden-go/services/bridge"
	"water-my-garden-go/services/config"
	"water-my-garden-go/services/garden"
	"water-my-garden-go/services/hal/platform"
	"water-my-garden-go/services/httpapi"
	"water-my-garden-go/services/metrics"
	"water-my-garden-go/x/logx"
	"water-my-garden-go/x/logx/zaplog"
)

type options struct {
	configPath string
	logLevel   string
	listen     string
	speed      int
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "gardend",
	Short: "Run the garden watering controller on the simulated board.",
	Long: `Runs the clock, valves and watering scheduler against an emulated DS3231
and fake GPIO, and serves them over HTTP (and MQTT when mqtt.broker is set).

--speed makes the emulated RTC run faster than wall time, so a full
watering pass can be watched in seconds.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return run(ctx, opts)
	},
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gardend:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (defaults when empty)")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().IntVar(&opts.speed, "speed", 1, "emulated RTC seconds per wall-clock second")
}

func run(ctx context.Context, o options) error {
	if o.speed < 1 {
		return errors.New("--speed must be at least 1")
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.listen != "" {
		cfg.HTTP.Listen = o.listen
	}
	lvl, ok := zaplog.ParseLevel(cfg.LogLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	zl := zaplog.New(zap.NewAtomicLevelAt(lvl))
	defer func() { _ = zl.Sync() }()
	logs := func(name string) logx.Logger { return zaplog.Named(zl, name) }
	log := logs("main")

	b := bus.NewBus(16)
	board := platform.NewSimBoard(time.Now(), cfg.RTC.IntPin)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The emulator ticks every 100ms of wall time.
		board.Run(ctx, 100*time.Millisecond, time.Duration(o.speed)*100*time.Millisecond)
		return nil
	})

	core, err := garden.Start(ctx, b, board, cfg, logs)
	if err != nil {
		return err
	}
	g.Go(func() error {
		core.Wait()
		return nil
	})

	m := metrics.New(logs("metrics"))
	mDone := m.Start(ctx, b.NewConnection("metrics"))
	g.Go(func() error {
		<-mDone
		return nil
	})

	api := httpapi.New(b.NewConnection("http"), httpapi.Config{
		RateLimitPerMin: cfg.HTTP.RateLimitPerMin,
		Timeout:         cfg.RequestTimeout,
		Metrics:         m.Handler(),
	}, logs("http"))
	g.Go(func() error { return api.Serve(ctx, cfg.HTTP.Listen) })

	if cfg.MQTT.Broker != "" {
		br := bridge.New(bridge.NewPaho(cfg.MQTT.Broker, cfg.MQTT.ClientID), b.NewConnection("bridge"), bridge.Config{
			Prefix:  cfg.MQTT.Prefix,
			Timeout: cfg.RequestTimeout,
		}, logs("bridge"))
		g.Go(func() error {
			br.Run(ctx)
			return nil
		})
	}

	log.Infow("gardend running", "http", cfg.HTTP.Listen, "mqtt", cfg.MQTT.Broker, "speed", o.speed)
	err = g.Wait()
	log.Infow("gardend stopped", "err", err)
	return err
}
