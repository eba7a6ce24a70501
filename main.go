package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/sessionpool/internal/audit"
	"github.com/gluk-w/claworc/sessionpool/internal/config"
	"github.com/gluk-w/claworc/sessionpool/internal/handlers"
	"github.com/gluk-w/claworc/sessionpool/internal/logging"
	"github.com/gluk-w/claworc/sessionpool/internal/metrics"
	"github.com/gluk-w/claworc/sessionpool/internal/pool"
)

var version = "dev"

// globalFlags are the persistent flags shared by every command. Set flags
// take precedence over the config file and the environment.
type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "sessionpool",
		Short:         "Pooled SFTP and shell connections over SSH",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format (json, console)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newExecCmd(flags))
	root.AddCommand(newLsCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	return root
}

// setup loads settings and initialises logging.
func setup(flags *globalFlags) (config.Settings, error) {
	if err := config.Load(flags.configFile); err != nil {
		return config.Settings{}, err
	}
	s := config.Cfg
	if flags.logLevel != "" {
		s.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		s.LogFormat = flags.logFormat
	}
	if err := logging.Init(s.LogLevel, s.LogFormat, s.LogPath); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool behind an HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := setup(flags)
			if err != nil {
				return err
			}
			defer logging.Close()
			if listen != "" {
				s.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

// serve runs the HTTP API until ctx is done.
func serve(ctx context.Context, s config.Settings) error {
	m, err := pool.New(s.Pool.Config(), pool.WithName("sessionpool"))
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer m.Shutdown()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.Attach(metrics.New(reg))
	opts := []handlers.Option{handlers.WithGatherer(reg)}

	if s.AuditDBPath != "" {
		db, err := audit.Open(s.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		auditor := audit.NewAuditor(db, s.AuditRetentionDays)
		if err := auditor.StartRetention(s.AuditPurgeSchedule); err != nil {
			return fmt.Errorf("schedule audit purge: %w", err)
		}
		defer auditor.Stop()
		m.Attach(auditor)
		opts = append(opts, handlers.WithAuditor(auditor))
	}

	srv := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           handlers.New(m, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.ListenAddr).Str("pool", m.Name()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
