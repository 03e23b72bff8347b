package domain

import "context"

// Classifier arbitrates a single connection attempt.
// Implementations must complete in bounded, short time: the hook invokes
// this on the hot path of every new connection.
type Classifier interface {
	// Classify returns the verdict for one connection attempt.
	Classify(attempt ConnAttempt) Verdict
}

// InterceptionHook delivers connection attempts from the network stack to a
// classifier and enforces the returned verdict.
// Implementation: socket adapter driven by an external interceptor process.
type InterceptionHook interface {
	// Attach registers the classifier and starts delivering attempts.
	// The hook runs until ctx is canceled or Detach is called.
	// An engine must not come up without an attached hook, so callers
	// treat an Attach error as fatal.
	Attach(ctx context.Context, c Classifier) error

	// Detach stops delivering attempts and releases the hook.
	Detach() error
}

// RuleStore persists registry verdicts across restarts.
// Implementation: SQLCipher encrypted SQLite database.
type RuleStore interface {
	// LoadAll returns every stored rule, in insertion order.
	LoadAll() ([]RegistryEntry, error)

	// Append stores a new rule.
	Append(entry RegistryEntry) error

	// Close releases the underlying database connection.
	Close() error
}

// ProcessResolver maps a process id to its executable path.
// Used when an attempt arrives with a pid but no path.
type ProcessResolver interface {
	// ExecutablePath returns the full executable path for pid.
	ExecutablePath(pid uint32) (string, error)
}
