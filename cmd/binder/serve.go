package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/example/cardbinder/internal/daemon"
	"github.com/example/cardbinder/internal/runner"
	"github.com/example/cardbinder/internal/server"
	"github.com/example/cardbinder/internal/source"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync API server and background daemon",
	Long: `Start the HTTP API, WebSocket event stream, and background daemon.

The API triggers and reports sync runs:
  POST /api/sync          Trigger a run (409 if one is in progress)
  GET  /api/sync/{id}     Run status
  GET  /api/sync/latest   Most recent run
  GET  /health            Liveness check
  WS   /ws                Run lifecycle and progress events

The daemon reconciles crashed runs at startup, ingests bulk export
files dropped into the watch directory, and can resync from the remote
catalog on a fixed interval (resync_interval in the config).

Example usage:
  binder serve                  # Listen on the configured address
  binder serve --addr :9000     # Override the listen address`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.ListenAddr = addr
		}

		logWriter := io.Writer(os.Stderr)
		if cfg.LogFile != "" {
			logWriter = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.LogMaxSizeMB,
				MaxBackups: cfg.LogMaxBackups,
				MaxAge:     cfg.LogMaxAgeDays,
			})
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		cat := source.NewClient(source.ClientConfig{
			BaseURL:  cfg.SourceURL,
			Dataset:  cfg.Dataset,
			Attempts: cfg.FetchAttempts,
			Logger:   log.New(logWriter, "[source] ", log.LstdFlags),
		})

		// The runner broadcasts through the server, which needs the
		// runner to serve triggers. Events only fire once a run
		// starts, so the late bind is safe.
		var srv *server.Server
		r := runner.New(st, cat, &runner.Config{
			BatchSize:            cfg.BatchSize,
			MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
			Logger:               log.New(logWriter, "[runner] ", log.LstdFlags),
			Notify: func(ev runner.Event) {
				srv.Broadcast(ev)
			},
		})
		srv = server.New(r, st, &server.Config{
			Addr:   cfg.ListenAddr,
			Logger: log.New(logWriter, "[server] ", log.LstdFlags),
		})

		d, err := daemon.New(r, &daemon.Config{
			WatchDir:       cfg.WatchDir,
			ResyncInterval: cfg.ResyncInterval,
			Logger:         log.New(logWriter, "[daemon] ", log.LstdFlags),
		})
		if err != nil {
			return err
		}

		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Printf("API server started on http://localhost%s\n", cfg.ListenAddr)
		fmt.Printf("WebSocket endpoint: ws://localhost%s/ws\n", cfg.ListenAddr)
		fmt.Println("\nPress Ctrl+C to stop...")

		err = d.Start(ctx)

		if stopErr := srv.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
}
