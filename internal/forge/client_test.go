package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/broker"
	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/retry"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c, err := New(Options{
		Forge:      config.ForgeConfig{BaseURL: ts.URL, Token: "test-token", RequestTimeout: "2s"},
		Strategy:   config.StrategyConservative,
		Cache:      config.CacheConfig{},
		KV:         broker.NewMemory(),
		Logger:     testLogger(),
		HTTPClient: ts.Client(),
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	c.policy = retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 3)
	c.Start(t.Context())
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Options{KV: broker.NewMemory(), Logger: testLogger()})
	if !rerrors.IsCategory(err, rerrors.CategoryConfig) {
		t.Fatalf("expected config error without token, got %v", err)
	}
}

func TestGenerateRunnerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runners/registration-token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", auth)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token":"reg-token-1","expires_at":"2026-01-02T15:04:05Z"}`)
	})
	c := newTestClient(t, mux)

	tok, err := c.GenerateRunnerToken(t.Context(), "acme/widgets")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	if tok.Token != "reg-token-1" {
		t.Errorf("token = %q, want reg-token-1", tok.Token)
	}
	if tok.ExpiresAt.IsZero() {
		t.Error("expected expiry to be set")
	}
}

func TestGenerateRunnerTokenBadRepository(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	if _, err := c.GenerateRunnerToken(t.Context(), "no-slash"); !rerrors.IsCategory(err, rerrors.CategoryValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestListRunnersCached(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"total_count":1,"runners":[{"id":7,"name":"ephemeral-acme-widgets-abc123","os":"linux","status":"online","busy":false,"labels":[{"name":"self-hosted"},{"name":"linux"}]}]}`)
	})
	c := newTestClient(t, mux)

	first, err := c.ListRunners(t.Context(), "acme/widgets")
	if err != nil {
		t.Fatalf("failed to list runners: %v", err)
	}
	if len(first) != 1 || first[0].ID != 7 || len(first[0].Labels) != 2 {
		t.Fatalf("runners = %+v, want one runner with two labels", first)
	}

	second, err := c.ListRunners(t.Context(), "acme/widgets")
	if err != nil {
		t.Fatalf("failed to list runners again: %v", err)
	}
	if len(second) != 1 || second[0].Name != first[0].Name {
		t.Errorf("cached result = %+v, want same as first", second)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 (second read cached)", hits.Load())
	}
}

func TestRemoveRunnerInvalidatesCache(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"total_count":0,"runners":[]}`)
	})
	mux.HandleFunc("/repos/acme/widgets/actions/runners/7", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)
	ctx := t.Context()

	if _, err := c.ListRunners(ctx, "acme/widgets"); err != nil {
		t.Fatalf("failed to list runners: %v", err)
	}
	if err := c.RemoveRunner(ctx, "acme/widgets", 7); err != nil {
		t.Fatalf("failed to remove runner: %v", err)
	}
	if _, err := c.ListRunners(ctx, "acme/widgets"); err != nil {
		t.Fatalf("failed to list runners after removal: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("list hits = %d, want 2 (cache invalidated by removal)", hits.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"total_count":0,"runners":[]}`)
	})
	c := newTestClient(t, mux)

	if _, err := c.ListRunners(t.Context(), "acme/widgets"); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runners/registration-token", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Validation Failed"}`)
	})
	c := newTestClient(t, mux)

	_, err := c.GenerateRunnerToken(t.Context(), "acme/widgets")
	if !rerrors.IsCategory(err, rerrors.CategoryUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 (422 is terminal)", hits.Load())
	}
}

func TestRetryExhaustionSurfacesUpstream(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux)

	_, err := c.ListRunners(t.Context(), "acme/widgets")
	if !rerrors.IsCategory(err, rerrors.CategoryUpstream) {
		t.Fatalf("expected upstream error after exhaustion, got %v", err)
	}
	if hits.Load() != 4 {
		t.Errorf("server hits = %d, want 4 (initial + 3 retries)", hits.Load())
	}
}

func TestRateLimitWaitAndRetry(t *testing.T) {
	var hits atomic.Int64
	reset := time.Now().Add(time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Limit", "5000")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
			return
		}
		fmt.Fprint(w, `{"total_count":0,"runners":[]}`)
	})
	c := newTestClient(t, mux)

	started := time.Now()
	if _, err := c.ListRunners(t.Context(), "acme/widgets"); err != nil {
		t.Fatalf("expected call to recover after reset, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
	if waited := time.Since(started); waited < 500*time.Millisecond {
		t.Errorf("waited %v, expected to hold until the reset", waited)
	}
}

func TestWorkflowJobs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runs/77/jobs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":1,"jobs":[{"id":1001,"run_id":77,"name":"build","status":"queued","labels":["ubuntu-latest","ci"],"runner_id":0,"runner_name":""}]}`)
	})
	c := newTestClient(t, mux)

	jobs, err := c.WorkflowJobs(t.Context(), "acme/widgets", 77)
	if err != nil {
		t.Fatalf("failed to list workflow jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.ID != 1001 || job.RunID != 77 || job.Name != "build" {
		t.Errorf("job = %+v, want id 1001 run 77 name build", job)
	}
	if len(job.Labels) != 2 || job.Labels[0] != "ubuntu-latest" {
		t.Errorf("labels = %v, want [ubuntu-latest ci]", job.Labels)
	}
}

func TestRateLimitRefreshesState(t *testing.T) {
	reset := time.Now().Add(40 * time.Minute)
	mux := http.NewServeMux()
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"resources":{"core":{"limit":5000,"remaining":4200,"reset":%d}}}`, reset.Unix())
	})
	c := newTestClient(t, mux)

	s, err := c.RateLimit(t.Context())
	if err != nil {
		t.Fatalf("failed to fetch rate limit: %v", err)
	}
	if s.Limit != 5000 || s.Remaining != 4200 || s.Used != 800 {
		t.Errorf("state = %+v, want limit 5000 remaining 4200 used 800", s)
	}
	if shared := c.RateLimitState(); shared.Remaining != 4200 {
		t.Errorf("shared state remaining = %d, want 4200", shared.Remaining)
	}
}

func TestRepositoryAndOrgListing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"full_name":"acme/widgets","private":true,"default_branch":"main","clone_url":"https://forge.example/acme/widgets.git"}`)
	})
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"full_name":"acme/widgets"},{"full_name":"acme/gadgets"}]`)
	})
	c := newTestClient(t, mux)
	ctx := t.Context()

	repo, err := c.Repository(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("failed to fetch repository: %v", err)
	}
	if !repo.Private || repo.DefaultBranch != "main" {
		t.Errorf("repo = %+v, want private with branch main", repo)
	}

	repos, err := c.OrgRepositories(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to list org repositories: %v", err)
	}
	if len(repos) != 2 {
		t.Errorf("org repos = %d, want 2", len(repos))
	}

	if _, err := c.OrgRepositories(ctx, ""); !rerrors.IsCategory(err, rerrors.CategoryValidation) {
		t.Errorf("expected validation error without organization, got %v", err)
	}
}

func TestNotFoundMapsToNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	c := newTestClient(t, mux)

	if _, err := c.Repository(t.Context(), "acme/missing"); !rerrors.IsCategory(err, rerrors.CategoryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
