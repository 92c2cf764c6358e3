// Command cyclicdemo drives a cyclic.Barrier under repeated,
// schedule-triggered load so the cyclic primitives can be watched
// cycling in a terminal instead of just passing in a test.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/gosync/cyclic"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cyclicdemo",
	Short: "Drive a cyclic.Barrier under repeated multi-goroutine load",
	Long: `cyclicdemo starts a fixed number of workers that meet at a shared
cyclic.Barrier on every tick of a cron schedule, while exposing Prometheus
metrics and rendering per-cycle status to the terminal.`,
	RunE: runDemo,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (optional)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	metrics := newDemoMetrics(registry)

	httpSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	runner := &demoRunner{cfg: cfg, metrics: metrics, logger: logger}
	if err := runner.newBarrier(); err != nil {
		return fmt.Errorf("construct barrier: %w", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Schedule.Cron, runner.triggerCycle); err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}
	c.Start()
	defer c.Stop()

	pterm.Info.Printfln("cyclicdemo running: %d parties, deadline %s, schedule %q, metrics on %s",
		cfg.Barrier.Parties, cfg.Barrier.Deadline, cfg.Schedule.Cron, cfg.Metrics.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	pterm.Info.Println("shutting down")
	runner.barrier.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// demoRunner owns the Barrier and re-runs one full cycle (parties
// arriving, tripping, resetting) each time triggerCycle fires.
type demoRunner struct {
	cfg     *Config
	metrics *demoMetrics
	logger  *slog.Logger

	barrier *cyclic.Barrier
}

func (r *demoRunner) newBarrier() error {
	b, err := cyclic.NewBarrier(r.cfg.Barrier.Parties,
		cyclic.WithLogger(r.logger),
		cyclic.WithTripAction(func() error {
			pterm.Success.Println("cycle tripped: all parties arrived")
			return nil
		}),
	)
	if err != nil {
		return err
	}
	r.barrier = b
	return nil
}

// triggerCycle spins up one cohort of goroutines, one per party, each
// of which calls Wait on the shared barrier and reports its outcome.
func (r *demoRunner) triggerCycle() {
	runID := uuid.NewString()
	start := time.Now()
	logger := r.logger.With("run_id", runID)
	logger.Info("cycle starting")

	var wg sync.WaitGroup
	outcomes := make(chan error, r.cfg.Barrier.Parties)
	wg.Add(r.cfg.Barrier.Parties)
	for i := 0; i < r.cfg.Barrier.Parties; i++ {
		i := i
		go func() {
			defer wg.Done()
			r.metrics.partiesCurrent.Inc()
			defer r.metrics.partiesCurrent.Dec()

			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Barrier.Deadline)
			defer cancel()
			_, err := r.barrier.Wait(ctx)
			outcomes <- err
			if err != nil {
				logger.Warn("party did not cross the barrier", "party", i, "error", err)
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	outcome := "ok"
	for err := range outcomes {
		if err != nil {
			outcome = "broken"
			break
		}
	}
	r.metrics.cyclesTotal.WithLabelValues(outcome).Inc()
	r.metrics.cycleDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	logger.Info("cycle finished", "outcome", outcome, "elapsed", time.Since(start))
}
