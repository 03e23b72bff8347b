package engine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/netguard/netguardd/internal/domain"
)

// Config sizes the engine's bounded state.
type Config struct {
	RegistryCapacity int
	QueueCapacity    int
}

// Engine is the arbitration core. Classify is invoked concurrently, once per
// outbound connection attempt; the control channel mutates the same registry
// and queue from ordinary goroutines. The registry and queue locks are
// independent and never held together, and the counters are plain atomics,
// so the classification path completes in bounded time.
type Engine struct {
	registry *Registry
	pending  *PendingQueue
	logger   *zap.Logger

	enabled atomic.Bool
	total   atomic.Uint64
	blocked atomic.Uint64
	allowed atomic.Uint64
}

// New creates an engine with empty state. Enforcement starts disabled and
// must be enabled explicitly over the control channel.
func New(cfg Config, logger *zap.Logger) *Engine {
	e := &Engine{
		registry: NewRegistry(cfg.RegistryCapacity),
		logger:   logger,
	}
	e.pending = NewPendingQueue(cfg.QueueCapacity, &e.total)
	return e
}

// Classify arbitrates one connection attempt.
//
// Order of consultation: enforcement flag, reserved system pids, registry,
// then pending-queue admission. Unknown executables are blocked and queued;
// when the queue is full they are blocked without being queued (fail closed).
func (e *Engine) Classify(attempt domain.ConnAttempt) domain.Verdict {
	if !e.enabled.Load() {
		return domain.VerdictPermit
	}

	if domain.IsSystemProcess(attempt.ProcessID) {
		return domain.VerdictPermit
	}

	if verdict, ok := e.registry.Lookup(attempt.ExecutablePath); ok {
		if verdict == domain.VerdictBlock {
			e.blocked.Add(1)
			return domain.VerdictBlock
		}
		e.allowed.Add(1)
		return domain.VerdictPermit
	}

	// Unknown executable: hold it pending an out-of-band decision. The
	// attempt is blocked, not reset, so the caller keeps its resources.
	if id, ok := e.pending.Admit(attempt.ProcessID, attempt.ExecutablePath, attempt.RemoteAddr, attempt.RemotePort); ok {
		e.logger.Debug("connection held pending approval",
			zap.Uint64("id", id),
			zap.Uint32("pid", attempt.ProcessID),
			zap.String("path", attempt.ExecutablePath))
		return domain.VerdictBlock
	}

	e.blocked.Add(1)
	return domain.VerdictBlock
}

// Enable turns enforcement on.
func (e *Engine) Enable() {
	e.enabled.Store(true)
	e.logger.Info("enforcement enabled")
}

// Disable turns enforcement off. Pending entries are kept: they stay blocked
// and resolvable, no new ones are queued while disabled.
func (e *Engine) Disable() {
	e.enabled.Store(false)
	e.logger.Info("enforcement disabled")
}

// Enabled reports whether enforcement is on.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Registry returns the allow/block registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Pending returns the pending-approval queue.
func (e *Engine) Pending() *PendingQueue {
	return e.pending
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() domain.EngineStats {
	return domain.EngineStats{
		Enabled:            e.enabled.Load(),
		TotalConnections:   e.total.Load(),
		BlockedConnections: e.blocked.Load(),
		AllowedConnections: e.allowed.Load(),
		PendingCount:       e.pending.Len(),
	}
}

var _ domain.Classifier = (*Engine)(nil)
