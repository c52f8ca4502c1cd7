package automation

import (
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/automation-gateway/internal/model"
)

// ActionSpec tunes one built-in action. Zero values fall back to the catalog
// defaults.
type ActionSpec struct {
	Timeout     time.Duration `yaml:"timeout"`
	MinLatency  time.Duration `yaml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency"`
	FailureRate *float64      `yaml:"failure_rate"`
	Disabled    bool          `yaml:"disabled"`
}

// Catalog describes which actions the gateway accepts and how each one runs.
//
//	default_timeout: 30s
//	actions:
//	  restart_service: {timeout: 20s, failure_rate: 0.05}
//	  rotate_config:   {max_latency: 2s}
//	  health_check:    {timeout: 5s}
type Catalog struct {
	DefaultTimeout time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	FailureRate    float64
	Actions        map[model.Action]ActionSpec
}

type catalogFile struct {
	DefaultTimeout time.Duration               `yaml:"default_timeout"`
	MinLatency     time.Duration               `yaml:"min_latency"`
	MaxLatency     time.Duration               `yaml:"max_latency"`
	FailureRate    *float64                    `yaml:"failure_rate"`
	Actions        map[model.Action]ActionSpec `yaml:"actions"`
}

// DefaultCatalog enables every built-in action with 0.3-1.5s of simulated
// work and a 10% failure rate.
func DefaultCatalog() Catalog {
	actions := make(map[model.Action]ActionSpec, len(model.BuiltinActions))
	for _, a := range model.BuiltinActions {
		actions[a] = ActionSpec{}
	}
	return Catalog{
		DefaultTimeout: 30 * time.Second,
		MinLatency:     300 * time.Millisecond,
		MaxLatency:     1500 * time.Millisecond,
		FailureRate:    0.10,
		Actions:        actions,
	}
}

// MergeFile reads a YAML catalog from path and layers it over c.
func (c Catalog) MergeFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	return c.Merge(data)
}

// Merge layers a YAML catalog over c. Settings the document leaves unset keep
// the values of c.
func (c Catalog) Merge(data []byte) (Catalog, error) {
	var raw catalogFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("parse action catalog: %w", err)
	}
	cat := c
	cat.Actions = maps.Clone(c.Actions)
	if cat.Actions == nil {
		cat.Actions = make(map[model.Action]ActionSpec, len(raw.Actions))
	}
	if raw.DefaultTimeout > 0 {
		cat.DefaultTimeout = raw.DefaultTimeout
	}
	if raw.MinLatency > 0 {
		cat.MinLatency = raw.MinLatency
	}
	if raw.MaxLatency > 0 {
		cat.MaxLatency = raw.MaxLatency
	}
	if raw.FailureRate != nil {
		cat.FailureRate = *raw.FailureRate
	}
	for action, spec := range raw.Actions {
		if !action.Builtin() {
			return Catalog{}, fmt.Errorf("%w: %s", model.ErrUnsupportedAction, action)
		}
		cat.Actions[action] = spec
	}
	return cat, cat.Validate()
}

// Restrict disables every action not named in allow. An empty allow list is a no-op.
func (c Catalog) Restrict(allow []string) Catalog {
	if len(allow) == 0 {
		return c
	}
	keep := make(map[model.Action]bool, len(allow))
	for _, a := range allow {
		keep[model.Action(a)] = true
	}
	out := c
	out.Actions = make(map[model.Action]ActionSpec, len(c.Actions))
	for action, spec := range c.Actions {
		if !keep[action] {
			spec.Disabled = true
		}
		out.Actions[action] = spec
	}
	return out
}

func (c Catalog) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("catalog: default_timeout must be positive")
	}
	for action, spec := range c.Actions {
		minL, maxL := c.latency(spec)
		if minL > maxL {
			return fmt.Errorf("catalog: %s min_latency %s exceeds max_latency %s", action, minL, maxL)
		}
		if rate := c.failureRate(spec); rate < 0 || rate > 1 {
			return fmt.Errorf("catalog: %s failure_rate %v outside [0,1]", action, rate)
		}
	}
	return nil
}

func (c Catalog) timeout(spec ActionSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return c.DefaultTimeout
}

func (c Catalog) latency(spec ActionSpec) (time.Duration, time.Duration) {
	minL, maxL := c.MinLatency, c.MaxLatency
	if spec.MinLatency > 0 {
		minL = spec.MinLatency
	}
	if spec.MaxLatency > 0 {
		maxL = spec.MaxLatency
	}
	return minL, maxL
}

func (c Catalog) failureRate(spec ActionSpec) float64 {
	if spec.FailureRate != nil {
		return *spec.FailureRate
	}
	return c.FailureRate
}
