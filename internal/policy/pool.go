package policy

import (
	"context"
	"strings"

	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
)

// defaultPool is the label assumed when the pool header is missing or
// empty, and the membership every worker advertises by default.
const defaultPool = "default"

// poolSettings is the per-worker "pool" settings document.
type poolSettings struct {
	Pools []string `json:"pools"`
}

// Pool keeps only the workers whose advertised pools contain the
// envelope's pool label. No scoring side effect.
type Pool struct {
	cfg    *config.Config
	logger *logging.Logger
}

func (p *Pool) Name() string { return "pool" }

func (p *Pool) Apply(ctx context.Context, env *EnvelopeView, workers []model.WorkerView) []model.WorkerView {
	pool := strings.ToLower(strings.TrimSpace(env.Headers[p.cfg.Headers.Pool]))
	if pool == "" {
		pool = defaultPool
		p.logger.DebugContext(ctx, "No pool header found, using default",
			"identifier", env.Identifier,
			"header", p.cfg.Headers.Pool,
		)
	}

	available := workers[:0]
	for _, worker := range workers {
		var settings poolSettings
		worker.Settings(p.Name(), &settings)
		if settings.Pools == nil {
			settings.Pools = []string{defaultPool}
		}
		matched := false
		for _, candidate := range settings.Pools {
			if candidate == pool {
				matched = true
				break
			}
		}
		if matched {
			available = append(available, worker)
		} else {
			p.logger.DebugContext(ctx, "No pool matched for worker",
				"identifier", env.Identifier,
				"worker", worker.IP,
				"pool", pool,
			)
		}
	}
	return available
}

func (p *Pool) OnStatusPreSave(ctx context.Context, status *model.MailStatus) error  { return nil }
func (p *Pool) OnStatusPostSave(ctx context.Context, status *model.MailStatus) error { return nil }
