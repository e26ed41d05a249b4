// Package policy implements the worker policy engine: a fixed prelude
// loading enabled workers, a configurable ordered chain shaping scores
// and next-available times, and a fixed epilogue selecting the winner.
//
// Policies never mutate persistent state during apply; they only update
// worker views. The cache side effects they depend on are driven from
// the MailStatus pre-save signal hooks.
package policy

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/metrics"
	"github.com/fenilsonani/mailrouter/internal/model"
)

// EnvelopeView is the routing context a policy evaluates against.
type EnvelopeView struct {
	Identifier string
	Headers    map[string]string
	NotBefore  *time.Time
	Reply      *model.Reply
}

// Domain returns the lowercased destination domain of the envelope.
func (e *EnvelopeView) Domain() string {
	return model.ExtractDomain(e.Headers["To"])
}

// Policy shapes the candidate worker list for one envelope.
type Policy interface {
	// Name is the registry key and the policies_settings key.
	Name() string
	// Apply returns the workers still eligible, with updated score
	// and next_available.
	Apply(ctx context.Context, env *EnvelopeView, workers []model.WorkerView) []model.WorkerView
	// OnStatusPreSave reacts to a MailStatus about to be recorded.
	OnStatusPreSave(ctx context.Context, status *model.MailStatus) error
	// OnStatusPostSave reacts to a recorded MailStatus.
	OnStatusPostSave(ctx context.Context, status *model.MailStatus) error
}

// WorkerSource yields the cached enabled-worker views, hydrating the
// cache from the persistent store when empty.
type WorkerSource interface {
	ListViews(ctx context.Context) ([]model.WorkerView, error)
}

// Chain composes First, the configured policies and Last.
type Chain struct {
	source   WorkerSource
	policies []Policy
	logger   *logging.Logger
	now      func() time.Time
}

// Registry builds the known policies with their shared dependencies.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry constructs every built-in policy against the given cache
// and configuration. The now and rnd functions default to the wall
// clock and math/rand; tests inject their own.
func NewRegistry(c *cache.Cache, cfg *config.Config, logger *logging.Logger, now func() time.Time, rnd func() float64) *Registry {
	if now == nil {
		now = time.Now
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Policy()
	return &Registry{policies: map[string]Policy{
		"pool":       &Pool{cfg: cfg, logger: logger},
		"rate_limit": &RateLimit{cache: c, logger: logger, now: now, rnd: rnd},
		"greylist":   &Greylist{cache: c, logger: logger, now: now},
		"warm_up":    &WarmUp{cache: c, cfg: cfg, logger: logger, now: now, rnd: rnd},
	}}
}

// Get returns the policy registered under name.
func (r *Registry) Get(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// NewChain resolves the ordered names into a chain.
func (r *Registry) NewChain(names []string, source WorkerSource, logger *logging.Logger, now func() time.Time) (*Chain, error) {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	chain := &Chain{source: source, logger: logger.Policy(), now: now}
	for _, name := range names {
		p, ok := r.policies[name]
		if !ok {
			return nil, fmt.Errorf("policy: %q points to an unknown worker policy", name)
		}
		chain.policies = append(chain.policies, p)
	}
	return chain, nil
}

// first initializes the worker views: zero score, next_available at
// not_before (or now), hydrating from the store when the cache is empty.
func (c *Chain) first(ctx context.Context, env *EnvelopeView) ([]model.WorkerView, error) {
	workers, err := c.source.ListViews(ctx)
	if err != nil {
		return nil, err
	}
	start := c.now()
	if env.NotBefore != nil {
		start = *env.NotBefore
	}
	for i := range workers {
		workers[i].Score = 0.0
		workers[i].NextAvailable = start
	}
	return workers, nil
}

// last selects the worker view with the maximum score. Ties go to the
// earliest entry of the list, which is deterministic within one
// invocation. Returns nil when no worker survived the chain.
func last(workers []model.WorkerView) (*model.WorkerView, []model.WorkerView) {
	if len(workers) == 0 {
		return nil, nil
	}
	best := 0
	for i := 1; i < len(workers); i++ {
		if workers[i].Score > workers[best].Score {
			best = i
		}
	}
	return &workers[best], workers
}

// Selection is the outcome of a chain run.
type Selection struct {
	Worker        *model.WorkerView
	NextAvailable time.Time
	Score         float64
	Ranking       []model.WorkerView
}

// Run evaluates First, the configured policies in order, then Last.
func (c *Chain) Run(ctx context.Context, env *EnvelopeView) (*Selection, error) {
	started := c.now()
	workers, err := c.first(ctx, env)
	if err != nil {
		return nil, err
	}
	metrics.PolicyDuration.WithLabelValues("first").Observe(c.now().Sub(started).Seconds())

	for _, p := range c.policies {
		stepStart := c.now()
		workers = p.Apply(ctx, env, workers)
		metrics.PolicyDuration.WithLabelValues(p.Name()).Observe(c.now().Sub(stepStart).Seconds())
		c.logger.DebugContext(ctx, "Policy applied",
			"policy", p.Name(),
			"candidates", len(workers),
		)
	}

	best, ranking := last(workers)
	if best == nil {
		return &Selection{}, nil
	}
	return &Selection{
		Worker:        best,
		NextAvailable: best.NextAvailable,
		Score:         best.Score,
		Ranking:       ranking,
	}, nil
}

// RunPreSave invokes every configured policy's pre-save hook for a
// MailStatus about to be recorded. Replaying statuses over a time
// window re-derives identical cache state.
func (c *Chain) RunPreSave(ctx context.Context, status *model.MailStatus) error {
	for _, p := range c.policies {
		if err := p.OnStatusPreSave(ctx, status); err != nil {
			return fmt.Errorf("policy %s pre-save: %w", p.Name(), err)
		}
	}
	return nil
}

// RunPostSave invokes every configured policy's post-save hook.
func (c *Chain) RunPostSave(ctx context.Context, status *model.MailStatus) error {
	for _, p := range c.policies {
		if err := p.OnStatusPostSave(ctx, status); err != nil {
			return fmt.Errorf("policy %s post-save: %w", p.Name(), err)
		}
	}
	return nil
}
