package main

import (
	"context"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/monitor"
	"github.com/shaunagostinho/elm-dash/internal/server"
	"github.com/shaunagostinho/elm-dash/internal/storage"
	"github.com/shaunagostinho/elm-dash/internal/telemetry"
	"github.com/shaunagostinho/elm-dash/web"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard server",
	Long: `Connect to the adapter, poll engine channels and serve them over HTTP.

The dashboard starts immediately; the adapter is connected in the background
with exponential backoff and reconnected whenever the link drops.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	defer server.SetupLogging(cfg.Log).Close()
	log := logrus.WithField("component", "main")
	log.Info("elmdash starting")

	ctx, cancel := signalContext()
	defer cancel()

	tr, err := buildTransport(cfg.Adapter)
	if err != nil {
		return err
	}

	if cfg.Monitor.Enabled {
		monitor.Register()
	}

	lost := make(chan struct{}, 1)
	client := elm.New(tr, cfg.Scheduler.Elm(), elm.WithStateHandler(func(s elm.State) {
		if s == elm.Disconnected || s == elm.Error {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	}))
	defer client.Disconnect()

	go supervise(ctx, client, lost)

	opts := []server.Option{server.WithStatic(web.FS)}
	var pollOpts []telemetry.Option
	if cfg.Redis.Enabled {
		pub, faults, err := openRecorder(ctx, cfg.Redis)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, publishing disabled")
		} else {
			defer pub.Close()
			opts = append(opts, server.WithRecorder(pub))
			pollOpts = append(pollOpts, telemetry.WithFaults(faults))
		}
	}

	poller := telemetry.New(client, cfg.Poller.Telemetry(), pollOpts...)
	go poller.Run(ctx)

	// Server works immediately even while the adapter is still connecting
	srv := server.New(cfg, client, poller, opts...)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
		return err
	}
	return nil
}

// openRecorder connects the Redis publisher and loads the fault list stored
// before a restart, so it stays visible until the next scan.
func openRecorder(ctx context.Context, cfg storage.Config) (*storage.Publisher, telemetry.Faults, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pub, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, telemetry.Faults{}, err
	}
	faults, err := pub.ActiveFaults(ctx)
	if err != nil {
		logrus.WithField("component", "main").WithError(err).Warn("loading stored faults failed")
		faults = telemetry.Faults{Codes: []string{}}
	}
	return pub, faults, nil
}

// supervise keeps the client connected until ctx is done.
func supervise(ctx context.Context, client *elm.Client, lost <-chan struct{}) {
	for {
		if !connectWithRetry(ctx, client, 10) {
			return
		}
		// Drop notifications raised by failed attempts
		select {
		case <-lost:
		default:
		}
		if client.State() != elm.Connected {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-lost:
			logrus.WithField("component", "main").Warn("adapter link lost, reconnecting")
		}
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It returns false once ctx is done.
func connectWithRetry(ctx context.Context, client *elm.Client, maxAttempts int) bool {
	log := logrus.WithField("component", "main")
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if ctx.Err() != nil {
			return false
		}

		err := client.Connect(ctx)
		if err == nil {
			log.WithField("attempt", attempt+1).Info("adapter connected")
			return true
		}

		attempt++
		entry := log.WithError(err).WithField("retry_in", delay)
		if attempt <= maxAttempts {
			entry.Warnf("connect attempt %d/%d failed", attempt, maxAttempts)
		} else {
			entry.Warnf("connect attempt %d failed", attempt)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
