package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatloop/internal/config"
	"chatloop/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	addr       string
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:          "chatloop",
		Short:        "CPU pipeline-parallel LLM inference",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&rf.configPath, "config", "", "Config file (.yaml, .json or .toml); defaults to $"+config.EnvConfig)
	pf.StringVar(&rf.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (overrides config)")
	pf.StringVar(&rf.logFormat, "log-format", "", "Log format: json|console (overrides config)")
	pf.StringVar(&rf.addr, "addr", "", "HTTP listen address, e.g. :50051 (overrides config and $"+config.EnvAddr+")")

	root.AddCommand(
		newWorkerCmd(rf),
		newRouterCmd(rf),
		newSynthCmd(),
		newInspectCmd(),
		newVersionCmd(),
	)
	return root
}

// resolve loads the config for mode, applying the root flags and then the
// command's own overrides.
func (rf *rootFlags) resolve(mode string, overrides ...func(*config.Config) error) (config.Config, zerolog.Logger, error) {
	all := append([]func(*config.Config) error{func(c *config.Config) error {
		if rf.logLevel != "" {
			c.Observability.LogLevel = rf.logLevel
		}
		if rf.logFormat != "" {
			c.Observability.LogFormat = rf.logFormat
		}
		if rf.addr != "" {
			return c.SetAddr(rf.addr)
		}
		return nil
	}}, overrides...)
	cfg, err := config.Resolve(rf.configPath, mode, all...)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	return cfg, log, err
}

// serve runs handler on addr until SIGINT or SIGTERM, then drains in-flight
// requests and calls stop.
func serve(ctx context.Context, log zerolog.Logger, addr string, handler http.Handler, stop func()) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	select {
	case err := <-errc:
		stop()
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	stop()
	if err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
