// Package worker maintains the enabled-worker registry: the persistent
// records and their cached representation the policy engine reads.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
	"github.com/fenilsonani/mailrouter/internal/policy"
	"github.com/fenilsonani/mailrouter/internal/store"
)

// ErrNoChain is returned when FindWorker runs before UseChain.
var ErrNoChain = errors.New("worker: no policy chain configured")

// cacheKeySuffix names the enabled-worker hash under the cache prefix.
const cacheKeySuffix = "workers"

// Registry keeps the worker cache consistent with the store and runs
// the policy chain to select a worker for an envelope.
type Registry struct {
	cache  *cache.Cache
	store  store.WorkerStore
	logger *logging.Logger
	chain  *policy.Chain
}

// NewRegistry builds a registry over the cache and the worker store.
func NewRegistry(c *cache.Cache, s store.WorkerStore, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{cache: c, store: s, logger: logger.Cache()}
}

// UseChain attaches the policy chain FindWorker evaluates. The chain is
// built after the registry because it reads worker views through it.
func (r *Registry) UseChain(chain *policy.Chain) { r.chain = chain }

func (r *Registry) key() string { return r.cache.Key(cacheKeySuffix) }

// ListViews returns the cached enabled-worker views, hydrating the
// cache from the store when empty.
func (r *Registry) ListViews(ctx context.Context) ([]model.WorkerView, error) {
	entries, err := r.cache.HGetAll(ctx, r.key())
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		enabled, err := r.store.ListByEnabled(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, w := range enabled {
			if err := r.SetToCache(ctx, w); err != nil {
				return nil, err
			}
		}
		entries, err = r.cache.HGetAll(ctx, r.key())
		if err != nil {
			return nil, err
		}
	}

	views := make([]model.WorkerView, 0, len(entries))
	for ip, raw := range entries {
		var view model.WorkerView
		if err := json.Unmarshal([]byte(raw), &view); err != nil {
			r.logger.Warn("Dropping unreadable worker cache entry", "ip", ip, "error", err.Error())
			continue
		}
		views = append(views, view)
	}
	return views, nil
}

// SetToCache writes one worker's view into the enabled-worker hash.
func (r *Registry) SetToCache(ctx context.Context, w *model.Worker) error {
	view := model.WorkerView{
		PK:               w.ID,
		IP:               w.IP,
		Name:             w.Name,
		PoliciesSettings: w.PoliciesSettings,
	}
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return r.cache.HSet(ctx, r.key(), w.IP, data)
}

// RemoveFromCache drops one worker's view from the hash.
func (r *Registry) RemoveFromCache(ctx context.Context, w *model.Worker) error {
	return r.cache.HDel(ctx, r.key(), w.IP)
}

// ClearCache drops the whole enabled-worker hash.
func (r *Registry) ClearCache(ctx context.Context) error {
	_, err := r.cache.Del(ctx, r.key())
	return err
}

// Save persists the worker and keeps the cached representation
// consistent with the enabled flag.
func (r *Registry) Save(ctx context.Context, w *model.Worker) error {
	if err := r.store.Upsert(ctx, w); err != nil {
		return err
	}
	if w.Enabled {
		return r.SetToCache(ctx, w)
	}
	return r.RemoveFromCache(ctx, w)
}

// SetEnabled flips the stored flag and propagates it to the cache.
func (r *Registry) SetEnabled(ctx context.Context, id int64, enabled bool) (*model.Worker, error) {
	w, err := r.store.SetEnabled(ctx, id, enabled)
	if err != nil {
		return nil, err
	}
	if enabled {
		return w, r.SetToCache(ctx, w)
	}
	return w, r.RemoveFromCache(ctx, w)
}

// DisableByIP looks up the worker record for a source IP and disables
// it, dropping the cached representation. MX workers call this when
// announcing shutdown.
func (r *Registry) DisableByIP(ctx context.Context, ip string) error {
	w, err := r.store.GetByIP(ctx, ip)
	if err != nil {
		return fmt.Errorf("worker: resolving %s: %w", ip, err)
	}
	_, err = r.SetEnabled(ctx, w.ID, false)
	return err
}

// Selection is the routing decision FindWorker returns.
type Selection struct {
	Worker        *model.Worker
	NextAvailable time.Time
	Score         float64
	Ranking       []model.WorkerView
}

// FindWorker runs the policy chain for the envelope and resolves the
// winning view to its persistent record. A nil Worker means no worker
// survived the chain.
func (r *Registry) FindWorker(ctx context.Context, env *policy.EnvelopeView) (*Selection, error) {
	if r.chain == nil {
		return nil, ErrNoChain
	}
	result, err := r.chain.Run(ctx, env)
	if err != nil {
		return nil, err
	}
	if result.Worker == nil {
		return &Selection{}, nil
	}
	w, err := r.store.GetByIP(ctx, result.Worker.IP)
	if err != nil {
		return nil, fmt.Errorf("worker: resolving selected worker %s: %w", result.Worker.IP, err)
	}
	return &Selection{
		Worker:        w,
		NextAvailable: result.NextAvailable,
		Score:         result.Score,
		Ranking:       result.Ranking,
	}, nil
}
