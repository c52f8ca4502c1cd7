package automation

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/automation-gateway/internal/blob"
)

// RotateConfig renders the job parameters as YAML and stores them as the next
// config revision for the target under configs/<target>/<unix-nanos>.yaml.
// Each revision records its number and the key of the revision it replaced.
// Work, when set, runs first and aborts the rotation if it fails.
type RotateConfig struct {
	Blobs blob.LocalFS
	Work  Runner
	Now   func() time.Time
}

type configRevision struct {
	Target     string         `yaml:"target"`
	Revision   int            `yaml:"revision"`
	Supersedes string         `yaml:"supersedes,omitempty"`
	Parameters map[string]any `yaml:"parameters"`
}

func (r RotateConfig) Run(ctx context.Context, target string, params map[string]any) error {
	if r.Work != nil {
		if err := r.Work.Run(ctx, target, params); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name := sanitizeTarget(target)
	if name == "" {
		return fmt.Errorf("rotate config: empty target")
	}
	dir := path.Join("configs", name)

	prevKey, prev, err := r.latest(dir)
	if err != nil {
		return fmt.Errorf("rotate config %s: %w", target, err)
	}
	data, err := yaml.Marshal(configRevision{
		Target:     target,
		Revision:   prev.Revision + 1,
		Supersedes: prevKey,
		Parameters: params,
	})
	if err != nil {
		return fmt.Errorf("rotate config %s: %w", target, err)
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	key := path.Join(dir, strconv.FormatInt(now().UnixNano(), 10)+".yaml")
	if _, err := r.Blobs.PutBytes(key, data); err != nil {
		return fmt.Errorf("rotate config %s: %w", target, err)
	}
	return nil
}

// latest returns the newest stored revision below dir, or a zero revision
// when there is none.
func (r RotateConfig) latest(dir string) (string, configRevision, error) {
	keys, err := r.Blobs.Keys(dir)
	if err != nil || len(keys) == 0 {
		return "", configRevision{}, err
	}
	key := keys[len(keys)-1]
	f, err := r.Blobs.Open(key)
	if err != nil {
		return "", configRevision{}, err
	}
	defer f.Close()
	var rev configRevision
	if err := yaml.NewDecoder(f).Decode(&rev); err != nil {
		return "", configRevision{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return key, rev, nil
}

// sanitizeTarget keeps a target usable as a single path segment.
func sanitizeTarget(target string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(target) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
