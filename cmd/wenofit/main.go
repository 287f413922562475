// Command wenofit builds WENO stencil geometry for a decomposed mesh and
// runs upwind-fit reconstructions on it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app is the state shared by the subcommands
type app struct {
	configPath  string
	verbose     bool
	metricsAddr string
	timeout     time.Duration

	cfg     CaseConfig
	logger  *zap.Logger
	metrics *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "wenofit",
		Short: "WENO upwind-fit reconstruction on decomposed finite volume meshes",
		Long: `wenofit builds the least squares stencils of a WENO upwind-fit scheme on a
partitioned mesh, caches them, and evaluates limited face corrections.

The case is described by a YAML file (see --config); without one a periodic
16x16 box on four ranks is used.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Case configuration file (YAML)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 10*time.Minute, "Operation timeout")

	root.AddCommand(newBuildCmd(a))
	root.AddCommand(newInspectCmd(a))
	root.AddCommand(newReconstructCmd(a))
	return root
}

func (a *app) setup() error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	config := zap.NewProductionConfig()
	level, _ := zapcore.ParseLevel(cfg.level())
	if a.verbose {
		level = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)
	if a.logger, err = config.Build(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if a.metricsAddr != "" {
		ln, err := net.Listen("tcp", a.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server", zap.Error(err))
			}
		}()
		a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	}
	return nil
}

func (a *app) teardown() error {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
		a.metrics = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}

// runContext returns the command context, cancelled by the timeout or by
// SIGINT/SIGTERM
func (a *app) runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// open decomposes the case and builds its geometry
func (a *app) open(ctx context.Context) (*caseRun, error) {
	c, err := openCase(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	if err := c.buildGeometry(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
