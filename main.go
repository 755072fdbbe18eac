package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iwanhae/partq/internal/api"
	"github.com/iwanhae/partq/internal/config"
	"github.com/iwanhae/partq/internal/dispatch"
	"github.com/iwanhae/partq/internal/engine"
	"github.com/iwanhae/partq/internal/metrics"
	"github.com/iwanhae/partq/internal/service"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	v          = viper.New()
	configFile string

	rootCmd = &cobra.Command{
		Use:           "partq",
		Short:         "Run SQL over a month-partitioned parquet dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file (default ./partq.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-console", false, "Print human readable logs instead of JSON")
	rootCmd.PersistentFlags().String("container", "", "Object storage container holding the dataset")
	rootCmd.PersistentFlags().String("dataset", "", "Dataset path inside the container")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.console", rootCmd.PersistentFlags().Lookup("log-console"))
	v.BindPFlag("dataset.container", rootCmd.PersistentFlags().Lookup("container"))
	v.BindPFlag("dataset.name", rootCmd.PersistentFlags().Lookup("dataset"))

	serveCmd.Flags().StringP("port", "p", "8080", "Port for the HTTP API")
	v.BindPFlag("server.listen_port", serveCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(serveCmd, queryCmd, partitionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger.Debug().Interface("config", cfg).Msg("loaded configuration")
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// app wires the engine, dispatcher and service for one process.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	engine  *engine.DuckDB
	service *service.Service
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	eng, err := engine.Open(cfg.EngineOptions(), logger)
	if err != nil {
		return nil, err
	}
	d := dispatch.New(eng, cfg.DispatchOptions(), logger)
	svc := service.New(d, cfg.ServiceOptions(), logger)
	return &app{cfg: cfg, logger: logger, engine: eng, service: svc}, nil
}

func (a *app) Close() {
	a.engine.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer a.Close()

	srv := api.New(a.service, a.engine, cfg.Server.ListenPort, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal, shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down API server")
	}
	logger.Info().Msg("server stopped")
	return nil
}
