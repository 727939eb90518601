// Package forge wraps the upstream forge REST API behind a rate-aware,
// prioritized, retrying client. Every call is serialized through a single
// scheduler so the shared rate-limit budget is enforced in one place.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
	"golang.org/x/time/rate"

	"git.home.luguber.info/inful/runnerd/internal/broker"
	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
	"git.home.luguber.info/inful/runnerd/internal/retry"
)

var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Options collects the dependencies for a Client.
type Options struct {
	Forge    config.ForgeConfig
	Strategy config.StrategyName
	Cache    config.CacheConfig
	KV       broker.KV
	Logger   *slog.Logger

	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

// Client issues forge API calls ordered by priority and paced against the
// shared rate-limit budget.
type Client struct {
	gh       *github.Client
	log      *slog.Logger
	sched    *scheduler
	limits   *limitState
	cache    *Cache
	ttls     config.CacheConfig
	policy   retry.Policy
	timeout  time.Duration
	org      string
	recorder metrics.Recorder
}

// New builds a Client. The scheduler does not dispatch until Start.
func New(opts Options) (*Client, error) {
	if opts.Forge.Token == "" {
		return nil, rerrors.ConfigRequired("forge.token")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "forge")

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: opts.Forge.Timeout()}
	}
	gh := github.NewClient(httpc).WithAuthToken(opts.Forge.Token)
	if opts.Forge.BaseURL != "" {
		base := opts.Forge.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, rerrors.ValidationError("invalid forge base URL").
				WithContext("base_url", opts.Forge.BaseURL)
		}
		gh.BaseURL = u
	}

	limits := newLimitState(opts.KV, logger)
	return &Client{
		gh:       gh,
		log:      logger,
		sched:    newScheduler(rate.NewLimiter(rate.Every(100*time.Millisecond), 10), pacerFor(opts.Strategy), limits, logger),
		limits:   limits,
		cache:    NewCache(opts.KV, logger),
		ttls:     opts.Cache,
		policy:   retry.DefaultPolicy(),
		timeout:  opts.Forge.Timeout(),
		org:      opts.Forge.Organization,
		recorder: metrics.NoopRecorder{},
	}, nil
}

// SetRecorder wires metrics. Nil resets to the no-op recorder.
func (c *Client) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	c.recorder = r
}

// Start seeds the shared rate-limit state and begins dispatching calls.
func (c *Client) Start(ctx context.Context) {
	c.limits.Load(ctx)
	c.sched.Start(ctx)
	c.log.Info("Starting forge client", "base_url", c.gh.BaseURL.String())
}

// Stop drains the scheduler. Queued calls fail fast.
func (c *Client) Stop(ctx context.Context) error {
	return c.sched.Stop(ctx)
}

// RateLimitState reports the budget seen on the most recent response.
func (c *Client) RateLimitState() State {
	return c.limits.Snapshot()
}

// Organization returns the configured forge organization, if any.
func (c *Client) Organization() string {
	return c.org
}

// GenerateRunnerToken requests a fresh registration token for a repository.
// Tokens are single-purpose and never cached.
func (c *Client) GenerateRunnerToken(ctx context.Context, repository string) (*RegistrationToken, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}
	var token *RegistrationToken
	err = c.schedule(ctx, PriorityCritical, "actions/runners/registration-token", func(ctx context.Context) (*github.Response, error) {
		tok, resp, err := c.gh.Actions.CreateRegistrationToken(ctx, owner, name)
		if err != nil {
			return resp, err
		}
		token = &RegistrationToken{Token: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().Time}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.cache.Invalidate(ctx, TagRepo(repository)); err != nil {
		c.log.Warn("Cache invalidation failed", logfields.Repository(repository), logfields.Error(err))
	}
	return token, nil
}

// ListRunners returns the runners registered for a repository.
func (c *Client) ListRunners(ctx context.Context, repository string) ([]Runner, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}
	key := cacheKey("runners", repository)
	var cached []Runner
	if c.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	var out []Runner
	err = c.schedule(ctx, PriorityNormal, "actions/runners", func(ctx context.Context) (*github.Response, error) {
		opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
		runners, resp, err := c.gh.Actions.ListRunners(ctx, owner, name, opts)
		if err != nil {
			return resp, err
		}
		out = make([]Runner, 0, len(runners.Runners))
		for _, r := range runners.Runners {
			out = append(out, convertRunner(r))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	c.cache.Put(ctx, key, out, c.ttls.Realtime(), TagRepo(repository), TagType("runners"))
	return out, nil
}

// RemoveRunner deregisters a runner from a repository.
func (c *Client) RemoveRunner(ctx context.Context, repository string, runnerID int64) error {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return err
	}
	err = c.schedule(ctx, PriorityHigh, "actions/runners/remove", func(ctx context.Context) (*github.Response, error) {
		return c.gh.Actions.RemoveRunner(ctx, owner, name, runnerID)
	})
	if err != nil {
		return err
	}
	if err := c.cache.Invalidate(ctx, TagRepo(repository)); err != nil {
		c.log.Warn("Cache invalidation failed", logfields.Repository(repository), logfields.Error(err))
	}
	return nil
}

// WorkflowRuns lists recent workflow runs for a repository.
func (c *Client) WorkflowRuns(ctx context.Context, repository string) ([]WorkflowRun, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}
	key := cacheKey("runs", repository)
	var cached []WorkflowRun
	if c.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	var out []WorkflowRun
	err = c.schedule(ctx, PriorityLow, "actions/runs", func(ctx context.Context) (*github.Response, error) {
		opts := &github.ListWorkflowRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
		runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, opts)
		if err != nil {
			return resp, err
		}
		out = make([]WorkflowRun, 0, len(runs.WorkflowRuns))
		for _, r := range runs.WorkflowRuns {
			out = append(out, convertRun(r))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	c.cache.Put(ctx, key, out, c.ttls.Dynamic(), TagRepo(repository), TagType("runs"))
	return out, nil
}

// WorkflowJobs lists the jobs of one workflow run.
func (c *Client) WorkflowJobs(ctx context.Context, repository string, runID int64) ([]WorkflowJob, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}
	key := cacheKey("jobs", repository, fmt.Sprintf("%d", runID))
	var cached []WorkflowJob
	if c.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	var out []WorkflowJob
	err = c.schedule(ctx, PriorityLow, "actions/runs/jobs", func(ctx context.Context) (*github.Response, error) {
		opts := &github.ListWorkflowJobsOptions{ListOptions: github.ListOptions{PerPage: 100}}
		jobs, resp, err := c.gh.Actions.ListWorkflowJobs(ctx, owner, name, runID, opts)
		if err != nil {
			return resp, err
		}
		out = make([]WorkflowJob, 0, len(jobs.Jobs))
		for _, j := range jobs.Jobs {
			out = append(out, convertJob(j))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	c.cache.Put(ctx, key, out, c.ttls.Realtime(), TagRepo(repository), TagType("jobs"))
	return out, nil
}

// RateLimit fetches the current budget from the forge and refreshes the
// shared state.
func (c *Client) RateLimit(ctx context.Context) (State, error) {
	key := cacheKey("rate_limit")
	var cached State
	if c.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	var out State
	err := c.schedule(ctx, PriorityLow, "rate_limit", func(ctx context.Context) (*github.Response, error) {
		limits, resp, err := c.gh.RateLimit.Get(ctx)
		if err != nil {
			return resp, err
		}
		if core := limits.GetCore(); core != nil {
			out = State{
				Limit:     core.Limit,
				Remaining: core.Remaining,
				Used:      core.Limit - core.Remaining,
				ResetAt:   core.Reset.Time,
			}
			c.limits.Update(ctx, core.Limit, core.Remaining, core.Reset.Time)
		}
		return resp, nil
	})
	if err != nil {
		return State{}, err
	}
	c.cache.Put(ctx, key, out, c.ttls.Realtime(), TagType("rate_limit"))
	return out, nil
}

// Repository fetches repository metadata.
func (c *Client) Repository(ctx context.Context, repository string) (*Repo, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}
	key := cacheKey("repo", repository)
	var cached Repo
	if c.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}
	var out Repo
	err = c.schedule(ctx, PriorityNormal, "repos", func(ctx context.Context) (*github.Response, error) {
		repo, resp, err := c.gh.Repositories.Get(ctx, owner, name)
		if err != nil {
			return resp, err
		}
		out = convertRepo(repo)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	c.cache.Put(ctx, key, out, c.ttls.Static(), TagRepo(repository), TagType("repo"))
	return &out, nil
}

// OrgRepositories lists the repositories of an organization.
func (c *Client) OrgRepositories(ctx context.Context, org string) ([]Repo, error) {
	if org == "" {
		org = c.org
	}
	if org == "" {
		return nil, rerrors.ValidationError("organization is not configured")
	}
	key := cacheKey("org_repos", org)
	var cached []Repo
	if c.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	var out []Repo
	err := c.schedule(ctx, PriorityLow, "orgs/repos", func(ctx context.Context) (*github.Response, error) {
		opts := &github.RepositoryListByOrgOptions{ListOptions: github.ListOptions{PerPage: 100}}
		repos, resp, err := c.gh.Repositories.ListByOrg(ctx, org, opts)
		if err != nil {
			return resp, err
		}
		out = make([]Repo, 0, len(repos))
		for _, r := range repos {
			out = append(out, convertRepo(r))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	c.cache.Put(ctx, key, out, c.ttls.Dynamic(), TagOrg(org), TagType("repos"))
	return out, nil
}

// schedule hands a call to the scheduler wrapped with retry handling.
func (c *Client) schedule(ctx context.Context, p Priority, endpoint string, fn func(context.Context) (*github.Response, error)) error {
	return c.sched.submit(ctx, p, endpoint, func(runCtx context.Context) error {
		return c.executeWithRetry(runCtx, endpoint, fn)
	})
}

func (c *Client) executeWithRetry(ctx context.Context, endpoint string, fn func(context.Context) (*github.Response, error)) error {
	attempt := 0
	for {
		started := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := fn(callCtx)
		cancel()
		c.observe(endpoint, resp, time.Since(started))
		if err == nil {
			return nil
		}

		// Waiting out an exhausted limit is pacing, not a failed attempt.
		if wait, ok := rateLimitWait(err); ok {
			c.log.Warn("Forge rate limit exhausted, waiting for reset",
				logfields.Endpoint(endpoint), "wait", wait)
			c.recorder.IncForgeRetry(endpoint)
			if !sleepCtx(ctx, wait) {
				return rerrors.RateLimitedError(c.limits.Snapshot().ResetAt.Format(time.RFC3339))
			}
			continue
		}
		if !retryableForgeError(err) {
			return c.wrapForgeError(endpoint, err)
		}
		if attempt >= c.policy.MaxRetries {
			return rerrors.UpstreamError(endpoint, err)
		}
		attempt++
		delay := c.policy.Delay(attempt)
		c.recorder.IncForgeRetry(endpoint)
		c.log.Warn("Retrying forge call", logfields.Endpoint(endpoint),
			logfields.Attempt(attempt), "delay", delay, logfields.Error(err))
		if !sleepCtx(ctx, delay) {
			return rerrors.UpstreamError(endpoint, ctx.Err())
		}
	}
}

// observe refreshes the shared rate-limit state and metrics from a response.
func (c *Client) observe(endpoint string, resp *github.Response, took time.Duration) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Rate.Limit > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			c.limits.Update(ctx, resp.Rate.Limit, resp.Rate.Remaining, resp.Rate.Reset.Time)
			cancel()
			c.recorder.SetRateLimitRemaining(float64(resp.Rate.Remaining))
		}
	}
	c.recorder.ObserveForgeRequest(endpoint, status, took)
}

// rateLimitWait reports how long to hold off when the forge signalled an
// exhausted or abused rate limit.
func rateLimitWait(err error) (time.Duration, bool) {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		wait := time.Until(rle.Rate.Reset.Time)
		if wait < time.Second {
			wait = time.Second
		}
		return wait, true
	}
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		if ra := arle.GetRetryAfter(); ra > 0 {
			return ra, true
		}
		return time.Second, true
	}
	return 0, false
}

func retryableForgeError(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		if ghErr.Response == nil {
			return false
		}
		return retryableStatuses[ghErr.Response.StatusCode]
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) wrapForgeError(endpoint string, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return rerrors.ForgeAuthError(err)
		case http.StatusNotFound:
			return rerrors.NotFound("forge resource", endpoint)
		}
	}
	return rerrors.UpstreamError(endpoint, err)
}
