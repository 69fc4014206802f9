package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/version"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the API server, the resource store and the controllers in one
process until interrupted.

Settings come from flags, BURROW_* environment variables (for example
BURROW_LOG_LEVEL or BURROW_SERVICE_CIDR) and an optional YAML file given
with --config.`,
	RunE: runServe,
}

// serveFlags maps config keys to the serve command's flags
var serveFlags = map[string]string{
	config.KeyDataDir:                "data-dir",
	config.KeyListenAddr:             "listen-addr",
	config.KeyLogLevel:               "log-level",
	config.KeyLogJSON:                "log-json",
	config.KeyWatchWindowSize:        "watch-window-size",
	config.KeyWatchQueueSize:         "watch-queue-size",
	config.KeyControllersInterval:    "controller-interval",
	config.KeyServiceCIDR:            "service-cidr",
	config.KeyPortForwardDialTimeout: "dial-timeout",
	config.KeyPortForwardMaxBuffered: "max-buffered-bytes",
}

func init() {
	f := serveCmd.Flags()
	f.String("config", "", "YAML config file")
	f.String("data-dir", "./burrow-data", "Data directory for the resource store")
	f.String("listen-addr", "127.0.0.1:6443", "Address for the HTTP API")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Log in JSON format")
	f.Int("watch-window-size", 0, "Events retained per kind for watch resumption")
	f.Int("watch-queue-size", 0, "Events buffered per watcher before it is disconnected")
	f.Duration("controller-interval", 0, "Pause between reconciliation passes")
	f.String("service-cidr", "", "Range for service cluster IPs")
	f.Duration("dial-timeout", 0, "Timeout for port-forward backend dials")
	f.Int("max-buffered-bytes", 0, "Per-port buffer limit for port-forward")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	v := config.New()
	// Only flags given on the command line override lower layers
	changed := make(map[string]string)
	for key, name := range serveFlags {
		if cmd.Flags().Changed(name) {
			changed[key] = name
		}
	}
	if err := config.BindFlags(v, cmd, changed); err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return err
	}

	log.Init(cfg.LogConfig())
	logger := log.WithComponent("main")

	mgr, err := manager.NewManager(cfg.ManagerConfig())
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	server := api.NewServer(mgr, version.Info{
		GitVersion: Version,
		GitCommit:  Commit,
		BuildDate:  BuildTime,
	})

	var g run.Group
	{
		g.Add(func() error {
			return server.Serve(ln)
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("API server did not stop cleanly")
			}
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return mgr.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	logger.Info().
		Str("version", Version).
		Str("addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("Burrow is running")

	err = g.Run()
	if errors.Is(err, run.ErrSignal) {
		logger.Info().Err(err).Msg("Shutting down")
		return nil
	}
	return err
}
