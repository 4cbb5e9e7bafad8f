package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/server"
	"github.com/shaunagostinho/elm-dash/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	simMode    bool
	listenAddr string
	logLevel   string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "elmdash",
	Short: "ELM327 OBD-II dashboard",
	Long: `elmdash talks to an ELM327 adapter over serial (including Bluetooth
rfcomm), a WebSocket bridge, or a built-in simulator, and serves live engine
telemetry over HTTP and WebSocket.

Without a subcommand it runs the dashboard server.

Adapter settings come from the config file, .env and environment
(ELM_TRANSPORT, ELM_PORT, ELM_BAUD, ELM_URL, ELM_USERNAME, ELM_PASSWORD).`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", server.DefaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&simMode, "sim", false, "Use the simulated adapter")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Connect and command budget for one-shot commands")
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() *server.Config {
	cfg := server.LoadConfig(configPath)
	if simMode {
		cfg.Adapter.Type = "sim"
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg
}

// buildTransport picks the adapter link named by the config.
func buildTransport(cfg server.AdapterConfig) (elm.Transport, error) {
	switch cfg.Type {
	case "serial":
		return transport.NewSerial(cfg.Serial), nil
	case "websocket":
		return transport.NewWebSocket(cfg.WebSocket), nil
	case "sim", "":
		return transport.NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logrus.WithField("signal", sig).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openClient connects a client once for the one-shot commands. The returned
// func disconnects it and releases the log output.
func openClient(ctx context.Context) (*elm.Client, func(), error) {
	cfg := loadConfig()
	logOut := server.SetupLogging(cfg.Log)

	tr, err := buildTransport(cfg.Adapter)
	if err != nil {
		logOut.Close()
		return nil, nil, err
	}
	client := elm.New(tr, cfg.Scheduler.Elm())

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		logOut.Close()
		return nil, nil, err
	}
	return client, func() {
		client.Disconnect()
		logOut.Close()
	}, nil
}
