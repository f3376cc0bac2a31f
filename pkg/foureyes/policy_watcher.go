package foureyes

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher serves the current verification policy and hot-reloads it
// when the policy file changes on disk. Consumers call Current on every
// classification, so edits take effect without a restart.
type PolicyWatcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Policy
}

// NewPolicyWatcher loads the policy file once and returns a watcher serving
// it. Call Run to start hot reloading.
func NewPolicyWatcher(path string, logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{path: path, logger: logger, current: policy}, nil
}

// StaticPolicyWatcher returns a watcher that always serves the given policy,
// for setups without a policy file.
func StaticPolicyWatcher(p Policy) *PolicyWatcher {
	return &PolicyWatcher{current: p, logger: slog.Default()}
}

// Current returns the active policy.
func (w *PolicyWatcher) Current() Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the policy file until the context is cancelled. Reload errors
// keep the previous policy in effect.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files instead of writing in
	// place, which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			policy, err := LoadPolicy(w.path)
			if err != nil {
				w.logger.Error("policy reload failed, keeping previous policy",
					"path", w.path, "error", err)
				continue
			}
			w.mu.Lock()
			w.current = policy
			w.mu.Unlock()
			w.logger.Info("policy reloaded",
				"path", w.path,
				"implicitApproval", policy.ImplicitApproval,
				"legacyCutoffDays", policy.LegacyCutoffDays)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy watcher error", "error", err)
		}
	}
}
