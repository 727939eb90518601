// Package router matches delegated jobs to runner pools. Rules live in the
// store, are optionally seeded from a YAML file, and are indexed by label so
// routing stays cheap under webhook bursts.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

// Decision is the outcome of routing one job. Rule is nil when default
// routing applied.
type Decision struct {
	Rule    *storage.RoutingRule
	Pool    string
	Runners []*storage.Runner
}

// Router routes jobs against the enabled rule set. The rule snapshot is
// rebuilt on every refresh; Route only takes the read lock.
type Router struct {
	store *storage.Store
	cfg   config.RouterConfig
	log   *slog.Logger

	mu        sync.RWMutex
	rules     []*storage.RoutingRule
	byLabel   map[string][]int
	unlabeled []int

	regexMu sync.Mutex
	regexes map[string]*regexp.Regexp

	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRouter builds a router over the storage gateway. Call Start to load
// rules and begin refreshing.
func NewRouter(store *storage.Store, cfg config.RouterConfig, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:   store,
		cfg:     cfg,
		log:     log.With("component", "router"),
		byLabel: make(map[string][]int),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Start seeds rules from the configured file, loads the enabled set, and
// begins the periodic refresh plus the file watcher.
func (r *Router) Start(ctx context.Context) error {
	r.runCtx, r.cancel = context.WithCancel(context.Background())

	if r.cfg.RulesFile != "" {
		if err := r.SyncRulesFile(ctx); err != nil {
			r.log.Warn("Rules file sync failed", logfields.Error(err))
		}
	}
	if err := r.LoadRules(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.refreshLoop()

	if r.cfg.RulesFile != "" {
		if err := r.watchRulesFile(); err != nil {
			r.log.Warn("Rules file watch failed", logfields.Error(err))
		}
	}
	return nil
}

// Stop halts the refresh loop and the file watcher.
func (r *Router) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadRules replaces the in-memory snapshot with the enabled rules from the
// store, rebuilding the label index.
func (r *Router) LoadRules(ctx context.Context) error {
	rules, err := r.store.ListEnabledRules(ctx)
	if err != nil {
		return err
	}

	byLabel := make(map[string][]int)
	var unlabeled []int
	for i, rule := range rules {
		if len(rule.Conditions.Labels) == 0 {
			unlabeled = append(unlabeled, i)
			continue
		}
		for _, l := range rule.Conditions.Labels {
			byLabel[l] = append(byLabel[l], i)
		}
	}

	r.mu.Lock()
	r.rules = rules
	r.byLabel = byLabel
	r.unlabeled = unlabeled
	r.mu.Unlock()

	r.log.Debug("Routing rules loaded", slog.Int("rules", len(rules)))
	return nil
}

// RuleCount reports how many enabled rules are loaded.
func (r *Router) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Route picks the target pool and candidate runners for a job and persists
// the decision. The highest-priority matching rule wins; without a match the
// job routes to its own repository pool.
func (r *Router) Route(ctx context.Context, job *storage.Job) (*Decision, error) {
	if job == nil {
		return nil, rerrors.ValidationError("route: job is nil")
	}

	branch, event := r.runContext(ctx, job)

	r.mu.RLock()
	candidates := make(map[int]struct{}, len(r.unlabeled))
	for _, i := range r.unlabeled {
		candidates[i] = struct{}{}
	}
	for _, label := range job.Labels {
		for _, i := range r.byLabel[label] {
			candidates[i] = struct{}{}
		}
	}

	var matched *storage.RoutingRule
	for i, rule := range r.rules {
		if _, ok := candidates[i]; !ok {
			continue
		}
		if r.ruleMatches(rule, job, branch, event) {
			matched = rule
			break
		}
	}
	r.mu.RUnlock()

	decision, err := r.resolveTargets(ctx, job, matched)
	if err != nil {
		return nil, err
	}

	record := &storage.RoutingDecision{JobID: job.ID, TargetCount: len(decision.Runners)}
	if decision.Rule != nil {
		record.RuleID = decision.Rule.ID
	}
	if err := r.store.InsertDecision(ctx, record); err != nil {
		r.log.Warn("Persist routing decision failed", logfields.JobID(job.ID), logfields.Error(err))
	}

	if decision.Rule != nil {
		r.log.Debug("Job routed by rule", logfields.JobID(job.ID),
			logfields.RuleID(decision.Rule.ID), logfields.Pool(decision.Pool),
			slog.Int("targets", len(decision.Runners)))
	} else {
		r.log.Debug("Job routed by default", logfields.JobID(job.ID),
			logfields.Pool(decision.Pool), slog.Int("targets", len(decision.Runners)))
	}
	return decision, nil
}

// runContext resolves the branch and triggering event of the job's workflow
// run. Jobs without a known run match only rules that leave those conditions
// empty.
func (r *Router) runContext(ctx context.Context, job *storage.Job) (branch, event string) {
	if job.RunID == 0 {
		return "", ""
	}
	run, err := r.store.GetWorkflowRun(ctx, job.RunID)
	if err != nil {
		if !rerrors.IsCategory(err, rerrors.CategoryNotFound) {
			r.log.Warn("Workflow run lookup failed", logfields.RunID(job.RunID), logfields.Error(err))
		}
		return "", ""
	}
	return strings.TrimPrefix(run.HeadBranch, "refs/heads/"), run.Event
}

func (r *Router) ruleMatches(rule *storage.RoutingRule, job *storage.Job, branch, event string) bool {
	c := rule.Conditions
	if c.Repository != "" && !r.wildcardMatch(c.Repository, job.Repository) {
		return false
	}
	if c.Workflow != "" && !r.wildcardMatch(c.Workflow, job.Workflow) {
		return false
	}
	if c.Branch != "" && !r.wildcardMatch(c.Branch, branch) {
		return false
	}
	if c.Event != "" && c.Event != event {
		return false
	}
	return labelsCover(job.Labels, c.Labels)
}

// resolveTargets applies steps 4 and 5: pool resolution plus runner
// filtering for the matched rule, or default routing when no rule matched.
func (r *Router) resolveTargets(ctx context.Context, job *storage.Job, rule *storage.RoutingRule) (*Decision, error) {
	pool := job.Repository
	if rule != nil && rule.Targets.PoolOverride != "" {
		pool = rule.Targets.PoolOverride
	}

	active, err := r.store.ActiveRunners(ctx, pool)
	if err != nil {
		return nil, err
	}

	if rule != nil {
		var runners []*storage.Runner
		for _, runner := range active {
			if rule.Targets.Exclusive {
				if labelsEqual(runner.Labels, rule.Targets.RunnerLabels) {
					runners = append(runners, runner)
				}
				continue
			}
			if labelsCover(runner.Labels, rule.Targets.RunnerLabels) {
				runners = append(runners, runner)
			}
		}
		return &Decision{Rule: rule, Pool: pool, Runners: runners}, nil
	}

	// Default routing prefers runners sharing at least one job label.
	var intersecting []*storage.Runner
	for _, runner := range active {
		if labelsIntersect(runner.Labels, job.Labels) {
			intersecting = append(intersecting, runner)
		}
	}
	if len(intersecting) > 0 {
		return &Decision{Pool: pool, Runners: intersecting}, nil
	}
	return &Decision{Pool: pool, Runners: active}, nil
}

// wildcardMatch compiles `*` patterns to anchored regexes with every other
// metacharacter escaped. Compiled patterns are cached.
func (r *Router) wildcardMatch(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	r.regexMu.Lock()
	re, ok := r.regexes[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$")
		if err != nil {
			r.regexMu.Unlock()
			r.log.Warn("Invalid rule pattern", slog.String("pattern", pattern), logfields.Error(err))
			return false
		}
		r.regexes[pattern] = re
	}
	r.regexMu.Unlock()
	return re.MatchString(value)
}

func (r *Router) refreshLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Refresh())
	defer ticker.Stop()
	for {
		select {
		case <-r.runCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.runCtx, 30*time.Second)
			if err := r.LoadRules(ctx); err != nil {
				r.log.Warn("Rule refresh failed", logfields.Error(err))
			}
			cancel()
		}
	}
}

// labelsCover reports whether required ⊆ have.
func labelsCover(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, l := range required {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}

// labelsEqual reports set equality, ignoring order and duplicates.
func labelsEqual(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, l := range a {
		as[l] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, l := range b {
		bs[l] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for l := range as {
		if _, ok := bs[l]; !ok {
			return false
		}
	}
	return true
}

func labelsIntersect(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, l := range a {
		set[l] = struct{}{}
	}
	for _, l := range b {
		if _, ok := set[l]; ok {
			return true
		}
	}
	return false
}
