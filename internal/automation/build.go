package automation

import (
	"net/http"
	"time"

	"github.com/example/automation-gateway/internal/blob"
	"github.com/example/automation-gateway/internal/model"
)

// Options carries the collaborators the built-in runners need.
type Options struct {
	// BlobRoot is where rotate_config stores revisions. Empty disables storage
	// and rotate_config only performs the simulated work.
	BlobRoot   string
	HTTPClient *http.Client
	Rand       func() float64
	Now        func() time.Time
}

// Build returns a Registry holding every enabled action of cat.
func Build(cat Catalog, opts Options) *Registry {
	reg := NewRegistry(cat.DefaultTimeout)
	for _, action := range model.BuiltinActions {
		spec, ok := cat.Actions[action]
		if !ok || spec.Disabled {
			continue
		}
		minL, maxL := cat.latency(spec)
		work := Simulated{
			MinLatency:  minL,
			MaxLatency:  maxL,
			FailureRate: cat.failureRate(spec),
			Rand:        opts.Rand,
		}

		var runner Runner = work
		switch action {
		case model.ActionHealthCheck:
			runner = HealthCheck{Client: opts.HTTPClient, Fallback: work}
		case model.ActionRotateConfig:
			if opts.BlobRoot != "" {
				runner = RotateConfig{Blobs: blob.LocalFS{Root: opts.BlobRoot}, Work: work, Now: opts.Now}
			}
		}
		reg.Register(action, runner, cat.timeout(spec))
	}
	return reg
}
