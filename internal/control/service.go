package control

import (
	"go.uber.org/zap"

	"github.com/netguard/netguardd/internal/domain"
	"github.com/netguard/netguardd/internal/engine"
)

// Service exposes the control-channel operations over the engine. All
// operations are synchronous and touch the same guarded state as the
// classification path; none of them blocks beyond the width of the shared
// critical sections.
type Service struct {
	engine *engine.Engine
	rules  domain.RuleStore // optional write-through persistence
	logger *zap.Logger
}

// NewService creates a control service. rules may be nil, in which case
// registry additions are volatile.
func NewService(e *engine.Engine, rules domain.RuleStore, logger *zap.Logger) *Service {
	return &Service{
		engine: e,
		rules:  rules,
		logger: logger,
	}
}

// Enable turns enforcement on. Never fails.
func (s *Service) Enable() {
	s.engine.Enable()
}

// Disable turns enforcement off. Outstanding pending connections stay
// queued and resolvable. Never fails.
func (s *Service) Disable() {
	s.engine.Disable()
}

// ListPending returns as many whole pending records as fit maxBytes,
// oldest admitted first. The queue is not drained.
func (s *Service) ListPending(maxBytes int) []domain.PendingConnection {
	if maxBytes < PendingRecordSize {
		return nil
	}
	return s.engine.Pending().Snapshot(maxBytes / PendingRecordSize)
}

// Respond resolves the pending connection with the given id. When remember
// is set, the decision is also recorded in the registry (and persisted) so
// future attempts from the same executable skip the queue. Returns
// ErrNotFound for unknown, already-resolved or already-removed ids.
//
// The original network attempt is not revived either way; the application
// must retry, and only then does a remembered verdict take effect.
func (s *Service) Respond(id uint64, allowed, remember bool) error {
	resolved, found := s.engine.Pending().Resolve(id, allowed)
	if !found {
		return ErrNotFound
	}

	s.logger.Info("pending connection resolved",
		zap.Uint64("id", id),
		zap.Bool("allowed", allowed),
		zap.String("path", resolved.ExecutablePath))

	if remember {
		verdict := domain.VerdictBlock
		if allowed {
			verdict = domain.VerdictPermit
		}
		if err := s.AddRule(resolved.ExecutablePath, verdict); err != nil {
			// The resolution itself succeeded; a full registry only
			// means the decision is not remembered.
			s.logger.Warn("could not remember verdict",
				zap.String("path", resolved.ExecutablePath),
				zap.Error(err))
		}
	}
	return nil
}

// AddRule records an allow/block verdict for an executable path and writes
// it through to the rule store. Returns engine.ErrRegistryFull when the
// registry is at capacity and ErrMalformedRequest for an empty path.
func (s *Service) AddRule(path string, verdict domain.Verdict) error {
	if path == "" {
		return ErrMalformedRequest
	}

	if err := s.engine.Registry().Add(path, verdict); err != nil {
		return err
	}

	if s.rules != nil {
		entry := domain.RegistryEntry{ExecutablePath: path, Verdict: verdict}
		if err := s.rules.Append(entry); err != nil {
			// Persistence is best effort; the in-memory registry is
			// authoritative for this process lifetime.
			s.logger.Warn("failed to persist rule",
				zap.String("path", path),
				zap.Error(err))
		}
	}

	s.logger.Info("registry rule added",
		zap.String("path", path),
		zap.Stringer("verdict", verdict))
	return nil
}

// Stats returns a snapshot of the engine counters.
func (s *Service) Stats() domain.EngineStats {
	return s.engine.Stats()
}
