// Package registry holds the process-wide mapping of backend ids to
// forwarding rules and answers prefix lookups for the forwarders.
package registry

import (
	"log/slog"
	"strings"
	"sync"

	"tunnel-proxy-go/internal/model"
)

// BackendRegistry maps backend_id → ForwardingRule. One instance per process,
// shared by every session. All operations are serialized by a single mutex;
// Find copies the matched rule out so callers never do I/O under the lock.
type BackendRegistry struct {
	mu       sync.Mutex
	backends map[string]model.ForwardingRule
	logger   *slog.Logger
}

// New creates an empty BackendRegistry.
func New(logger *slog.Logger) *BackendRegistry {
	return &BackendRegistry{
		backends: make(map[string]model.ForwardingRule),
		logger:   logger.With("component", "backend_registry"),
	}
}

// Register inserts or replaces the rule for rule.BackendID.
// Re-registering the same id is last-writer-wins.
func (r *BackendRegistry) Register(rule model.ForwardingRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.backends[rule.BackendID] = rule
	r.mu.Unlock()

	r.logger.Info("registered backend",
		"backend_id", rule.BackendID,
		"target", rule.TargetAddr(),
		"pattern", rule.PathPattern,
	)
	return nil
}

// Unregister removes the rule for backendID. Absent ids are a no-op.
func (r *BackendRegistry) Unregister(backendID string) {
	r.mu.Lock()
	_, existed := r.backends[backendID]
	delete(r.backends, backendID)
	r.mu.Unlock()

	if existed {
		r.logger.Info("unregistered backend", "backend_id", backendID)
	}
}

// Find returns a copy of the rule whose path_pattern is a prefix of path.
// When several rules match, the longest pattern wins; registrants are still
// expected to choose non-overlapping prefixes.
func (r *BackendRegistry) Find(path string) (model.ForwardingRule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best model.ForwardingRule
	found := false
	for _, rule := range r.backends {
		if !strings.HasPrefix(path, rule.PathPattern) {
			continue
		}
		if !found || len(rule.PathPattern) > len(best.PathPattern) {
			best = rule
			found = true
		}
	}
	return best, found
}

// Size returns the number of registered backends.
func (r *BackendRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}
