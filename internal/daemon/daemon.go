// Package daemon wires the arbitration engine to its transports and runs the main loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/netguard/netguardd/internal/control"
	"github.com/netguard/netguardd/internal/domain"
	"github.com/netguard/netguardd/internal/engine"
	"github.com/netguard/netguardd/internal/infra"
)

// Config holds daemon timing configuration.
type Config struct {
	StatsLogInterval time.Duration // How often engine counters are logged
	MetricsAddr      string        // Prometheus listen address, empty disables metrics
}

// DefaultConfig returns default daemon configuration.
func DefaultConfig() Config {
	return Config{
		StatsLogInterval: time.Minute,
	}
}

// Daemon runs the connection arbitration service.
// It seeds the registry from the rule store, serves the control socket,
// attaches the interception hook, and periodically logs engine counters.
type Daemon struct {
	config  Config
	engine  *engine.Engine
	hook    domain.InterceptionHook
	control *control.Server
	store   domain.RuleStore
	logger  *zap.Logger

	metricsSrv *http.Server
}

// New creates a new daemon. store may be nil when persistence is disabled.
func New(
	config Config,
	eng *engine.Engine,
	hook domain.InterceptionHook,
	ctrl *control.Server,
	store domain.RuleStore,
	metrics *infra.Metrics,
	logger *zap.Logger,
) *Daemon {
	d := &Daemon{
		config:  config,
		engine:  eng,
		hook:    hook,
		control: ctrl,
		store:   store,
		logger:  logger,
	}
	if config.MetricsAddr != "" && metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metricsSrv = &http.Server{Addr: config.MetricsAddr, Handler: mux}
	}
	return d
}

// Run starts the daemon and blocks until the context is canceled.
// Enforcement stays off until the agent enables it over the control socket.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.seedRegistry(); err != nil {
		return err
	}

	if err := d.control.Start(); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	if d.metricsSrv != nil {
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		d.logger.Info("metrics server listening", zap.String("addr", d.config.MetricsAddr))
	}

	// The hook is the enforcement point. Without it the daemon is useless,
	// so a failed attach is fatal.
	if err := d.hook.Attach(ctx, d.engine); err != nil {
		_ = d.control.Stop()
		return fmt.Errorf("attach interception hook: %w", err)
	}

	d.logger.Info("daemon started",
		zap.Int("registry_rules", d.engine.Registry().Len()),
		zap.Bool("enforcement", d.engine.Enabled()))

	statsTicker := time.NewTicker(d.config.StatsLogInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			d.shutdown()
			return ctx.Err()

		case <-statsTicker.C:
			d.logStats()

		case <-d.engine.Pending().Signal():
			d.onPendingWork()
		}
	}
}

// seedRegistry loads persisted rules into the in-memory registry.
func (d *Daemon) seedRegistry() error {
	if d.store == nil {
		return nil
	}

	entries, err := d.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load persisted rules: %w", err)
	}

	for _, entry := range entries {
		if err := d.engine.Registry().Add(entry.ExecutablePath, entry.Verdict); err != nil {
			if errors.Is(err, engine.ErrRegistryFull) {
				d.logger.Warn("registry full while seeding, remaining rules skipped",
					zap.Int("loaded", d.engine.Registry().Len()),
					zap.Int("persisted", len(entries)))
				return nil
			}
			return fmt.Errorf("seed registry: %w", err)
		}
	}

	if len(entries) > 0 {
		d.logger.Info("registry seeded from rule store", zap.Int("rules", len(entries)))
	}
	return nil
}

func (d *Daemon) logStats() {
	stats := d.engine.Stats()
	d.logger.Info("engine stats",
		zap.Bool("enabled", stats.Enabled),
		zap.Uint64("total", stats.TotalConnections),
		zap.Uint64("blocked", stats.BlockedConnections),
		zap.Uint64("allowed", stats.AllowedConnections),
		zap.Int("pending", stats.PendingCount))
}

// onPendingWork reacts to the queue signal. The agent polls the control
// socket for the actual entries; the daemon only surfaces pressure here.
func (d *Daemon) onPendingWork() {
	pending := d.engine.Pending()
	n := pending.Len()
	if n >= pending.Cap() {
		d.logger.Warn("pending queue saturated, new connections will be blocked",
			zap.Int("pending", n))
		return
	}
	d.logger.Debug("connection awaiting decision", zap.Int("pending", n))
}

// shutdown tears components down in dependency order: stop classifying
// first, then detach the hook, then stop serving the agent.
func (d *Daemon) shutdown() {
	d.engine.Disable()

	if err := d.hook.Detach(); err != nil {
		d.logger.Warn("hook detach failed", zap.Error(err))
	}

	if err := d.control.Stop(); err != nil {
		d.logger.Warn("control server stop failed", zap.Error(err))
	}

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("rule store close failed", zap.Error(err))
		}
	}
}
