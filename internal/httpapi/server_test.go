package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/automation-gateway/internal/automation"
	"github.com/example/automation-gateway/internal/jobs"
	"github.com/example/automation-gateway/internal/metrics"
	"github.com/example/automation-gateway/internal/model"
	"github.com/example/automation-gateway/internal/store"
)

func newTestServer(t *testing.T, limiter *rate.Limiter) (*httptest.Server, *jobs.Manager) {
	t.Helper()
	cat := automation.DefaultCatalog()
	cat.MinLatency = time.Millisecond
	cat.MaxLatency = 5 * time.Millisecond
	cat.FailureRate = 0
	reg := automation.Build(cat, automation.Options{})

	sink := metrics.NewPrometheus()
	mgr := jobs.NewManager(store.NewMemory(), reg, sink,
		jobs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(Server{
		Jobs:    mgr,
		Actions: reg,
		Metrics: sink.Handler(),
		Limiter: limiter,
	}.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return srv, mgr
}

func postJob(t *testing.T, base, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/v1/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCreateAndPollJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := postJob(t, srv.URL, `{"action":"health_check","target":"svc-a","requested_by":"student@example.com","parameters":{"region":"eu"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	created := decode[createJobResponse](t, resp)
	if created.JobID == "" || created.Status != model.JobPending {
		t.Fatalf("unexpected response: %+v", created)
	}

	deadline := time.Now().Add(5 * time.Second)
	var view model.JobView
	for {
		resp, err := http.Get(srv.URL + "/v1/jobs/" + created.JobID)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET status = %d", resp.StatusCode)
		}
		view = decode[model.JobView](t, resp)
		if view.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", view.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if view.Status != model.JobSuccess {
		t.Errorf("status = %s, want SUCCESS", view.Status)
	}
	if view.Target != "svc-a" || view.Action != model.ActionHealthCheck {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.Parameters["region"] != "eu" {
		t.Errorf("parameters = %v", view.Parameters)
	}
}

func TestCreateJobValidation(t *testing.T) {
	srv, mgr := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unsupported action", `{"action":"deploy_app","target":"svc","requested_by":"me"}`, "unsupported action: deploy_app"},
		{"missing target", `{"action":"health_check","requested_by":"me"}`, "required"},
		{"missing requested_by", `{"action":"health_check","target":"svc"}`, "required"},
		{"blank action", `{"action":"","target":"svc","requested_by":"me"}`, "unsupported action"},
		{"malformed json", `{"action":`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJob(t, srv.URL, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			body := decode[map[string]string](t, resp)
			if !strings.Contains(body["error"], tt.want) {
				t.Errorf("error = %q, want it to contain %q", body["error"], tt.want)
			}
		})
	}
	if got := mgr.Pending(); got != 0 {
		t.Errorf("pending = %d after rejected submissions", got)
	}
}

func TestGetUnknownJobIs404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/v1/jobs/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["error"] != "job not found" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestListJobs(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for range 3 {
		resp := postJob(t, srv.URL, `{"action":"restart_service","target":"svc","requested_by":"me"}`)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/v1/jobs?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	views := decode[[]model.JobView](t, resp)
	if len(views) != 2 {
		t.Errorf("got %d jobs, want 2", len(views))
	}

	resp, err = http.Get(srv.URL + "/v1/jobs?status=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status filter returned %d", resp.StatusCode)
	}
}

func TestListActions(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/v1/actions")
	if err != nil {
		t.Fatal(err)
	}
	actions := decode[[]struct {
		Name           string  `json:"name"`
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}](t, resp)
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
	if actions[0].Name != "health_check" || actions[0].TimeoutSeconds != 30 {
		t.Errorf("first action = %+v", actions[0])
	}
}

func TestSubmitRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, rate.NewLimiter(rate.Every(time.Hour), 1))

	first := postJob(t, srv.URL, `{"action":"health_check","target":"svc","requested_by":"me"}`)
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit = %d", first.StatusCode)
	}
	second := postJob(t, srv.URL, `{"action":"health_check","target":"svc","requested_by":"me"}`)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", second.StatusCode)
	}
}

func TestShuttingDownIs503(t *testing.T) {
	srv, mgr := newTestServer(t, nil)
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp := postJob(t, srv.URL, `{"action":"health_check","target":"svc","requested_by":"me"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if body := decode[map[string]string](t, resp); body["status"] != "ok" {
		t.Errorf("healthz = %v", body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(text), "automation_job_queue_depth 0") {
		t.Errorf("metrics missing queue depth:\n%s", text)
	}
}

func TestCreateJobAcceptsEmptyStrings(t *testing.T) {
	srv, mgr := newTestServer(t, nil)

	resp := postJob(t, srv.URL, `{"action":"restart_service","target":"","requested_by":""}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	created := decode[createJobResponse](t, resp)
	view, err := mgr.Get(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Target != "" || view.RequestedBy != "" {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/jobs", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
