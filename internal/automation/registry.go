// Package automation runs the work behind each job action. A Registry maps
// action names to Runners and is what the lifecycle manager executes against.
package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/automation-gateway/internal/model"
)

// Runner performs one unit of automation work. Implementations must return
// promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, target string, params map[string]any) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, target string, params map[string]any) error

func (f RunnerFunc) Run(ctx context.Context, target string, params map[string]any) error {
	return f(ctx, target, params)
}

type registration struct {
	runner  Runner
	timeout time.Duration
}

// Registry dispatches executions to the Runner registered for an action.
// It is safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	runners        map[model.Action]registration
	defaultTimeout time.Duration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		runners:        make(map[model.Action]registration),
		defaultTimeout: defaultTimeout,
	}
}

// Register installs r for action. A non-positive timeout uses the registry default.
func (r *Registry) Register(action model.Action, runner Runner, timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[action] = registration{runner: runner, timeout: timeout}
}

func (r *Registry) Supports(action model.Action) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[action]
	return ok
}

func (r *Registry) Timeout(action model.Action) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.runners[action]; ok {
		return reg.timeout
	}
	return r.defaultTimeout
}

// Actions returns the registered actions sorted by name.
func (r *Registry) Actions() []model.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Action, 0, len(r.runners))
	for a := range r.runners {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Execute(ctx context.Context, action model.Action, target string, params map[string]any) error {
	r.mu.RLock()
	reg, ok := r.runners[action]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnsupportedAction, action)
	}
	return reg.runner.Run(ctx, target, params)
}
