package policy

import (
	"context"
	"sort"
	"time"

	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
)

const dayFormat = "2006-01-02"

// warmUpRamp is the ladder configuration for one warm-up scope.
type warmUpRamp struct {
	Matrix        []int `json:"matrix"`
	Goal          int   `json:"goal"`
	MaxTolerance  int   `json:"max_tolerance"`
	StepTolerance int   `json:"step_tolerance"`
	Enabled       bool  `json:"enabled"`
	DaysWatched   int   `json:"days_watched"`
}

// warmUpSettings is the per-worker "warm_up" settings document.
type warmUpSettings struct {
	Prioritize   string      `json:"prioritize"`
	DomainWarmUp *warmUpRamp `json:"domain_warm_up"`
	IPWarmUp     *warmUpRamp `json:"ip_warm_up"`
}

// WarmUp ramps delivery volume per (source IP, domain group) or per
// source IP along a monotonic step ladder, dropping workers that spent
// today's quota and scoring the rest by how much remains.
type WarmUp struct {
	cache  *cache.Cache
	cfg    *config.Config
	logger *logging.Logger
	now    func() time.Time
	rnd    func() float64
}

func (p *WarmUp) Name() string { return "warm_up" }

// warmUpState carries the per-worker intermediate values between the
// ladder evaluation and the prioritize pass.
type warmUpState struct {
	step           int
	missingPercent int
}

func (p *WarmUp) Apply(ctx context.Context, env *EnvelopeView, workers []model.WorkerView) []model.WorkerView {
	today := p.now().UTC()
	domain := env.Domain()
	cacheDays := int(p.cache.StatusTimeout() / (24 * time.Hour))

	states := make(map[string]warmUpState, len(workers))
	for i := range workers {
		worker := &workers[i]

		var settings warmUpSettings
		worker.Settings(p.Name(), &settings)
		domainGroup := p.domainGroup(domain)
		ramp := p.rampFor(domainGroup, &settings)

		var groupDomains []string
		if domainGroup != "" {
			groupDomains = p.cfg.Policies.WarmUpDomains[domainGroup]
		} else if ramp == nil {
			// No group and no IP-wide warm-up: the envelope carries no
			// warm-up share for this worker.
			states[worker.IP] = warmUpState{step: 0, missingPercent: 100}
			continue
		}

		daysWatched := ramp.DaysWatched
		if daysWatched == 0 || daysWatched > cacheDays {
			daysWatched = cacheDays
		}

		step, remains, ok := p.getStep(ctx, worker.IP, domainGroup)
		if !ok {
			p.logger.DebugContext(ctx, "Building warm-up step and remains cache",
				"identifier", env.Identifier,
				"worker", worker.IP,
				"group", domainGroup,
			)
			step = p.searchStep(ctx, worker.IP, daysWatched, ramp, today, groupDomains)
			remains = step + ramp.MaxTolerance*step/100
			p.setStep(ctx, worker.IP, domainGroup, step, remains)
		}

		missingPercent := 100
		if step > 0 {
			missingPercent = 100 - (step-remains)*100/step
		}
		states[worker.IP] = warmUpState{step: step, missingPercent: missingPercent}
	}

	return p.prioritize(ctx, workers, states)
}

// rampFor picks the ladder governing this envelope: per-group when the
// destination belongs to one, per-IP when enabled, otherwise none.
func (p *WarmUp) rampFor(domainGroup string, settings *warmUpSettings) *warmUpRamp {
	if domainGroup != "" {
		if settings.DomainWarmUp != nil {
			return settings.DomainWarmUp
		}
		return &warmUpRamp{}
	}
	if settings.IPWarmUp != nil && settings.IPWarmUp.Enabled {
		return settings.IPWarmUp
	}
	return nil
}

// prioritize orders the workers per the global warm-up prioritize
// setting, drops exhausted ones and converts missing percent to score.
func (p *WarmUp) prioritize(ctx context.Context, workers []model.WorkerView, states map[string]warmUpState) []model.WorkerView {
	prioritize := p.globalPrioritize()

	if prioritize == "warmest" || prioritize == "coldest" {
		jitter := make(map[string]float64, len(workers))
		for _, w := range workers {
			jitter[w.IP] = p.rnd()
		}
		sort.SliceStable(workers, func(a, b int) bool {
			sa, sb := states[workers[a].IP].step, states[workers[b].IP].step
			if sa == sb {
				return jitter[workers[a].IP] < jitter[workers[b].IP]
			}
			if prioritize == "coldest" {
				return sa > sb
			}
			return sa < sb
		})
	}

	total := len(workers)
	ranked := workers[:0]
	for i := range workers {
		worker := workers[i]
		state := states[worker.IP]
		if state.missingPercent <= 0 {
			p.logger.DebugContext(ctx, "Worker dropped: step plus tolerance reached",
				"worker", worker.IP,
				"step", state.step,
			)
			continue
		}
		percent := float64(state.missingPercent)
		switch prioritize {
		case "warmest", "coldest":
			worker.Score += round2(percent*0.01/float64(total)) + 0.1*float64(i)
		default:
			worker.Score += round2(percent * 0.01 / float64(total))
		}
		ranked = append(ranked, worker)
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score < ranked[b].Score
	})
	return ranked
}

func (p *WarmUp) globalPrioritize() string {
	settings, ok := p.cfg.Policies.WorkerSettings["warm_up"]
	if !ok {
		return "equal"
	}
	v, _ := settings["prioritize"].(string)
	if v == "" {
		return "equal"
	}
	return v
}

// searchStep walks the watched days and proposes the ladder step that
// matches the observed delivered/bounced volume. The loop exits on the
// first processed day, so only yesterday's counter ever picks the step.
func (p *WarmUp) searchStep(ctx context.Context, sourceIP string, daysWatched int, ramp *warmUpRamp, today time.Time, groupDomains []string) int {
	step := 0
	matrix := ramp.Matrix
	if len(matrix) == 0 {
		return 0
	}

	for day := 1; day <= daysWatched; day++ {
		dayToWatch := today.AddDate(0, 0, -day)
		counter := p.getCounter(ctx, dayToWatch, sourceIP, groupDomains)

		if counter == 0 {
			if matrix[0] > step {
				step = matrix[0]
			}
		} else {
			for i := range matrix {
				nextStep := matrix[i]
				if i+1 < len(matrix) {
					nextStep = matrix[i+1]
				}
				upCounter := nextStep - nextStep*ramp.StepTolerance/100
				downCounter := step - step*ramp.StepTolerance/100
				if downCounter <= counter && counter < upCounter && i+1 < len(matrix) {
					if matrix[i+1] > step {
						step = matrix[i+1]
						break
					}
				}
			}
		}

		if step > ramp.Goal {
			step = ramp.Goal
		}
		return step
	}
	return step
}

// domainGroup returns the warm-up group the domain belongs to, or "".
func (p *WarmUp) domainGroup(domain string) string {
	for group, domains := range p.cfg.Policies.WarmUpDomains {
		for _, d := range domains {
			if d == domain {
				return group
			}
		}
	}
	return ""
}

// getStep reads today's memoized (step, remains) pair for a source.
func (p *WarmUp) getStep(ctx context.Context, sourceIP, domainGroup string) (step, remains int, ok bool) {
	date := p.now().UTC().Format(dayFormat)
	stepKey := p.stepKey("step", date, sourceIP, domainGroup)
	remainsKey := p.stepKey("remains", date, sourceIP, domainGroup)

	s, err := p.cache.GetInt(ctx, stepKey)
	if err != nil {
		return 0, 0, false
	}
	r, err := p.cache.GetInt(ctx, remainsKey)
	if err != nil {
		return 0, 0, false
	}
	return int(s), int(r), true
}

// setStep memoizes today's (step, remains) pair. The remains counter is
// added rather than overwritten when the quota signals already touched
// the key.
func (p *WarmUp) setStep(ctx context.Context, sourceIP, domainGroup string, step, remains int) {
	date := p.now().UTC().Format(dayFormat)
	ttl := p.cache.StatusTimeout()

	if err := p.cache.Set(ctx, p.stepKey("step", date, sourceIP, domainGroup), step, ttl); err != nil {
		p.logger.WithError(err).Warn("Failed to cache warm-up step")
	}

	remainsKey := p.stepKey("remains", date, sourceIP, domainGroup)
	if _, err := p.cache.Get(ctx, remainsKey); err == cache.ErrNotFound {
		if err := p.cache.Set(ctx, remainsKey, remains, ttl); err != nil {
			p.logger.WithError(err).Warn("Failed to cache warm-up remains")
		}
		return
	}
	if _, err := p.cache.IncrBy(ctx, remainsKey, int64(remains)); err != nil {
		p.logger.WithError(err).Warn("Failed to update warm-up remains")
	}
}

func (p *WarmUp) stepKey(kind, date, sourceIP, domainGroup string) string {
	if domainGroup == "" {
		return p.cache.StatusKey("warm_up", kind, date, sourceIP)
	}
	return p.cache.StatusKey("warm_up", kind, date, sourceIP, domainGroup)
}

// getCounter sums the delivered/bounced counters for one day: the
// per-IP counter, or the per-domain counters of the group when the
// warm-up is group-scoped.
func (p *WarmUp) getCounter(ctx context.Context, day time.Time, sourceIP string, groupDomains []string) int {
	date := day.Format(dayFormat)
	if len(groupDomains) == 0 {
		n, err := p.cache.GetInt(ctx, p.cache.StatusKey("warm_up", "counter", date, sourceIP))
		if err != nil {
			return 0
		}
		return int(n)
	}
	counter := 0
	for _, domain := range groupDomains {
		n, err := p.cache.GetInt(ctx, p.cache.StatusKey("warm_up", "counter", date, sourceIP, domain))
		if err != nil {
			continue
		}
		counter += int(n)
	}
	return counter
}

// updateCounter moves today's remaining quota by delta, on the per-IP
// key and, when the destination belongs to a group, on the group key.
func (p *WarmUp) updateCounter(ctx context.Context, sourceIP, destinationDomain string, delta int64, creationDate time.Time) error {
	date := creationDate.UTC().Format(dayFormat)
	keys := []string{p.stepKey("remains", date, sourceIP, "")}
	if group := p.domainGroup(destinationDomain); group != "" {
		keys = append(keys, p.stepKey("remains", date, sourceIP, group))
	}
	for _, key := range keys {
		if _, err := p.cache.Get(ctx, key); err == cache.ErrNotFound {
			if err := p.cache.Set(ctx, key, delta, p.cache.StatusTimeout()); err != nil {
				return err
			}
			continue
		}
		if _, err := p.cache.IncrBy(ctx, key, delta); err != nil {
			return err
		}
	}
	return nil
}

// OnStatusPreSave drives the warm-up counters: SENDING consumes quota,
// DELAYED returns it, DELIVERED and BOUNCED feed the day counters the
// ladder reads.
func (p *WarmUp) OnStatusPreSave(ctx context.Context, status *model.MailStatus) error {
	switch status.Status {
	case model.StatusSending:
		return p.updateCounter(ctx, status.SourceIP, status.DestinationDomain, -1, status.CreationDate)
	case model.StatusDelayed:
		return p.updateCounter(ctx, status.SourceIP, status.DestinationDomain, +1, status.CreationDate)
	case model.StatusDelivered, model.StatusBounced:
		date := status.CreationDate.UTC().Format(dayFormat)
		domainKey := p.cache.StatusKey("warm_up", "counter", date, status.SourceIP, status.DestinationDomain)
		workerKey := p.cache.StatusKey("warm_up", "counter", date, status.SourceIP)
		ttl := p.cache.StatusTimeout()
		for _, key := range []string{domainKey, workerKey} {
			if _, err := p.cache.Get(ctx, key); err == cache.ErrNotFound {
				if err := p.cache.Set(ctx, key, 0, ttl); err != nil {
					return err
				}
			}
			if _, err := p.cache.Incr(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *WarmUp) OnStatusPostSave(ctx context.Context, status *model.MailStatus) error {
	return nil
}

// round2 rounds to two decimals, matching the scoring granularity of
// the other policies.
func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
