package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
)

// defaultMinRetry is the wait imposed on the greylisted source before it
// may retry the same envelope.
const defaultMinRetry = 5 * time.Minute

// greylistSettings is the per-worker "greylist" settings document.
type greylistSettings struct {
	MinRetry *int `json:"min_retry"`
}

// Greylist reacts to remote greylisting: when the transient reply
// mentions it and a previous delayed attempt is on record, the source
// that was deferred is promoted and held back until min_retry elapses,
// while other workers stay eligible to retry sooner.
type Greylist struct {
	cache  *cache.Cache
	logger *logging.Logger
	now    func() time.Time
}

func (p *Greylist) Name() string { return "greylist" }

// delayedAttempt is the recorded origin of the last DELAYED status.
type delayedAttempt struct {
	SourceIP     string
	CreationDate time.Time
}

func (p *Greylist) Apply(ctx context.Context, env *EnvelopeView, workers []model.WorkerView) []model.WorkerView {
	latest, ok := p.latest(ctx, env.Identifier)
	if !ok {
		p.logger.DebugContext(ctx, "No previous delayed status, nothing to do",
			"identifier", env.Identifier,
		)
		return workers
	}

	if env.Reply == nil || !strings.Contains(strings.ToLower(env.Reply.Message), "greylist") {
		return workers
	}
	p.logger.DebugContext(ctx, "Greylisting detected in reply message",
		"identifier", env.Identifier,
		"source_ip", latest.SourceIP,
	)

	now := p.now()
	for i := range workers {
		worker := &workers[i]
		if worker.IP != latest.SourceIP {
			continue
		}
		var settings greylistSettings
		worker.Settings(p.Name(), &settings)
		minRetry := defaultMinRetry
		if settings.MinRetry != nil {
			minRetry = time.Duration(*settings.MinRetry) * time.Second
		}
		notBefore := now.Add(minRetry)
		worker.Score += 0.5 * float64(len(workers))
		if notBefore.After(worker.NextAvailable) {
			worker.NextAvailable = notBefore
		}
	}
	return workers
}

// latest reads the origin of the last delayed send for this envelope.
func (p *Greylist) latest(ctx context.Context, identifier string) (delayedAttempt, bool) {
	value, err := p.cache.Get(ctx, p.cache.StatusKey("greylist", identifier))
	if err != nil {
		return delayedAttempt{}, false
	}
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return delayedAttempt{}, false
	}
	ts, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return delayedAttempt{}, false
	}
	return delayedAttempt{
		SourceIP:     parts[0],
		CreationDate: time.Unix(int64(ts), 0).UTC(),
	}, true
}

// OnStatusPreSave records the origin of every DELAYED status so a later
// greylisted retry can identify which source was deferred.
func (p *Greylist) OnStatusPreSave(ctx context.Context, status *model.MailStatus) error {
	if status.Status != model.StatusDelayed {
		return nil
	}
	key := p.cache.StatusKey("greylist", status.Identifier)
	value := fmt.Sprintf("%s:%d", status.SourceIP, status.CreationDate.Unix())
	return p.cache.Set(ctx, key, value, p.cache.StatusTimeout())
}

func (p *Greylist) OnStatusPostSave(ctx context.Context, status *model.MailStatus) error {
	return nil
}
