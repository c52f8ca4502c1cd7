package automation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/automation-gateway/internal/blob"
	"github.com/example/automation-gateway/internal/model"
)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry(5 * time.Second)
	var gotTarget string
	reg.Register(model.ActionRestartService, RunnerFunc(func(_ context.Context, target string, _ map[string]any) error {
		gotTarget = target
		return nil
	}), 0)

	if !reg.Supports(model.ActionRestartService) {
		t.Fatal("restart_service should be supported")
	}
	if reg.Supports(model.Action("deploy_app")) {
		t.Fatal("deploy_app should not be supported")
	}
	if got := reg.Timeout(model.ActionRestartService); got != 5*time.Second {
		t.Errorf("timeout = %s, want default 5s", got)
	}

	if err := reg.Execute(context.Background(), model.ActionRestartService, "svc-a", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotTarget != "svc-a" {
		t.Errorf("runner saw target %q", gotTarget)
	}

	err := reg.Execute(context.Background(), "deploy_app", "svc-a", nil)
	if !errors.Is(err, model.ErrUnsupportedAction) {
		t.Errorf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestSimulated(t *testing.T) {
	t.Run("succeeds above failure rate", func(t *testing.T) {
		s := Simulated{FailureRate: 0.1, Rand: fixed(0.5)}
		if err := s.Run(context.Background(), "svc", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("fails below failure rate", func(t *testing.T) {
		s := Simulated{FailureRate: 0.1, Rand: fixed(0.05)}
		if err := s.Run(context.Background(), "svc", nil); !errors.Is(err, ErrSimulatedFailure) {
			t.Fatalf("expected ErrSimulatedFailure, got %v", err)
		}
	})

	t.Run("honours context", func(t *testing.T) {
		s := Simulated{MinLatency: time.Hour, MaxLatency: time.Hour}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := s.Run(ctx, "svc", nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected DeadlineExceeded, got %v", err)
		}
		if time.Since(start) > 5*time.Second {
			t.Error("simulated work ignored cancellation")
		}
	})
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := HealthCheck{Client: srv.Client()}

	if err := h.Run(context.Background(), "svc-a", map[string]any{"url": srv.URL + "/up"}); err != nil {
		t.Errorf("healthy endpoint failed: %v", err)
	}

	err := h.Run(context.Background(), "svc-a", map[string]any{"url": srv.URL + "/down"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 failure, got %v", err)
	}

	fallbackCalled := false
	h.Fallback = RunnerFunc(func(context.Context, string, map[string]any) error {
		fallbackCalled = true
		return nil
	})
	if err := h.Run(context.Background(), "svc-a", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	if !fallbackCalled {
		t.Error("fallback not used without url")
	}
}

func TestRotateConfigWritesRevision(t *testing.T) {
	root := t.TempDir()
	at := time.Unix(1700000000, 42)
	r := RotateConfig{Blobs: blob.LocalFS{Root: root}, Now: func() time.Time { return at }}

	params := map[string]any{"log_level": "debug", "replicas": 3}
	if err := r.Run(context.Background(), "demo api", params); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "configs", "demo_api", "1700000000000000042.yaml"))
	if err != nil {
		t.Fatalf("read revision: %v", err)
	}
	var doc struct {
		Target     string         `yaml:"target"`
		Parameters map[string]any `yaml:"parameters"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Target != "demo api" || doc.Parameters["log_level"] != "debug" || doc.Parameters["replicas"] != 3 {
		t.Errorf("unexpected revision: %+v", doc)
	}
}

func TestRotateConfigChainsRevisions(t *testing.T) {
	root := t.TempDir()
	at := time.Unix(1700000000, 0)
	r := RotateConfig{Blobs: blob.LocalFS{Root: root}, Now: func() time.Time { return at }}
	ctx := context.Background()

	if err := r.Run(ctx, "svc", map[string]any{"pool": 4}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	at = at.Add(time.Second)
	if err := r.Run(ctx, "svc", map[string]any{"pool": 8}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	keys, err := blob.LocalFS{Root: root}.Keys("configs/svc")
	if err != nil || len(keys) != 2 {
		t.Fatalf("Keys = %v, %v", keys, err)
	}
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(keys[1])))
	if err != nil {
		t.Fatal(err)
	}
	var doc configRevision
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Revision != 2 || doc.Supersedes != keys[0] || doc.Parameters["pool"] != 8 {
		t.Errorf("second revision = %+v, want revision 2 superseding %s", doc, keys[0])
	}
}

func TestRotateConfigStopsOnWorkFailure(t *testing.T) {
	root := t.TempDir()
	r := RotateConfig{
		Blobs: blob.LocalFS{Root: root},
		Work:  Simulated{FailureRate: 1, Rand: fixed(0)},
	}
	if err := r.Run(context.Background(), "svc", nil); !errors.Is(err, ErrSimulatedFailure) {
		t.Fatalf("expected ErrSimulatedFailure, got %v", err)
	}
	keys, _ := blob.LocalFS{Root: root}.Keys("configs")
	if len(keys) != 0 {
		t.Errorf("revision written despite failure: %v", keys)
	}
}

func TestMergeCatalog(t *testing.T) {
	data := []byte(`
default_timeout: 45s
failure_rate: 0
actions:
  health_check:
    timeout: 5s
    max_latency: 100ms
  rotate_config:
    disabled: true
`)
	cat, err := DefaultCatalog().Merge(data)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if cat.DefaultTimeout != 45*time.Second {
		t.Errorf("DefaultTimeout = %s", cat.DefaultTimeout)
	}
	if cat.FailureRate != 0 {
		t.Errorf("FailureRate = %v, want 0", cat.FailureRate)
	}

	reg := Build(cat, Options{})
	if reg.Supports(model.ActionRotateConfig) {
		t.Error("disabled action registered")
	}
	if got := reg.Timeout(model.ActionHealthCheck); got != 5*time.Second {
		t.Errorf("health_check timeout = %s", got)
	}
	if got := reg.Timeout(model.ActionRestartService); got != 45*time.Second {
		t.Errorf("restart_service timeout = %s", got)
	}
}

func TestMergeCatalogRejects(t *testing.T) {
	tests := map[string]string{
		"unknown action":    "actions:\n  deploy_app: {}\n",
		"bad latency range": "actions:\n  health_check: {min_latency: 2s, max_latency: 1s}\n",
		"bad failure rate":  "failure_rate: 1.5\n",
		"malformed":         "actions: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DefaultCatalog().Merge([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCatalogRestrict(t *testing.T) {
	cat := DefaultCatalog().Restrict([]string{"health_check"})
	reg := Build(cat, Options{})
	got := reg.Actions()
	if len(got) != 1 || got[0] != model.ActionHealthCheck {
		t.Errorf("Actions = %v, want [health_check]", got)
	}
}

func TestMergeCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.yaml")
	if err := os.WriteFile(path, []byte("default_timeout: 10s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := DefaultCatalog().MergeFile(path)
	if err != nil {
		t.Fatalf("MergeFile: %v", err)
	}
	if len(cat.Actions) != len(model.BuiltinActions) {
		t.Errorf("expected defaults for all actions, got %v", cat.Actions)
	}
	if _, err := DefaultCatalog().MergeFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMergeKeepsBaseWhenUnset(t *testing.T) {
	base := DefaultCatalog()
	base.DefaultTimeout = 7 * time.Second

	cat, err := base.Merge([]byte("actions:\n  health_check: {timeout: 2s}\n"))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if cat.DefaultTimeout != 7*time.Second {
		t.Errorf("DefaultTimeout = %s, want base 7s", cat.DefaultTimeout)
	}
	if got := base.Actions[model.ActionHealthCheck].Timeout; got != 0 {
		t.Errorf("Merge modified the base catalog: health_check timeout = %s", got)
	}

	cat, err = base.Merge([]byte("default_timeout: 12s\n"))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if cat.DefaultTimeout != 12*time.Second {
		t.Errorf("DefaultTimeout = %s, want file value 12s", cat.DefaultTimeout)
	}
}
