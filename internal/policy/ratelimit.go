package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
)

// DomainLimit pairs a destination-domain pattern with the minimum
// inter-send interval in seconds. Encoded on the wire as a two-element
// array, first match wins.
type DomainLimit struct {
	Pattern  string
	Interval int
}

// UnmarshalJSON accepts the [pattern, interval] array form.
func (d *DomainLimit) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("rate_limit: domain entry must be a [pattern, interval] pair")
	}
	if err := json.Unmarshal(pair[0], &d.Pattern); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &d.Interval)
}

// MarshalJSON renders the [pattern, interval] array form.
func (d DomainLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.Pattern, d.Interval})
}

// rateLimitSettings is the per-worker "rate_limit" settings document.
type rateLimitSettings struct {
	Domains    []DomainLimit `json:"domains"`
	MaxQueued  *int          `json:"max_queued"`
	Prioritize string        `json:"prioritize"`
}

// sendEvent is one SENDING entry of the rate-limit ledger.
type sendEvent struct {
	Identifier   string
	CreationDate time.Time
}

// RateLimit serializes deliveries to each destination domain on each
// worker at the configured inter-send interval, computing the earliest
// slot that keeps consecutive sends at least one interval apart.
type RateLimit struct {
	cache  *cache.Cache
	logger *logging.Logger
	now    func() time.Time
	rnd    func() float64
}

func (p *RateLimit) Name() string { return "rate_limit" }

func (p *RateLimit) Apply(ctx context.Context, env *EnvelopeView, workers []model.WorkerView) []model.WorkerView {
	domain := env.Domain()
	now := p.now()
	notBefore := now
	if env.NotBefore != nil {
		notBefore = *env.NotBefore
	}

	prioritize := "earlier"
	for i := range workers {
		worker := &workers[i]
		var settings rateLimitSettings
		worker.Settings(p.Name(), &settings)
		if settings.Prioritize != "" {
			prioritize = settings.Prioritize
		}

		domainLimit := time.Duration(0)
		for _, entry := range settings.Domains {
			re, err := regexp.Compile(entry.Pattern)
			if err != nil {
				p.logger.WarnContext(ctx, "Invalid rate-limit domain pattern",
					"identifier", env.Identifier,
					"worker", worker.IP,
					"pattern", entry.Pattern,
				)
				continue
			}
			if re.MatchString(domain) {
				domainLimit = time.Duration(entry.Interval) * time.Second
				break
			}
		}

		statuses := p.recentSends(ctx, worker.IP, domain, now.Add(-domainLimit))

		var nextAvailable time.Time
		// With no previous sending statuses, next_available is now or
		// not_before.
		if len(statuses) == 0 {
			nextAvailable = notBefore
		}

		// First check if we can insert before the earliest scheduled send.
		if len(statuses) > 0 {
			if now.Add(2 * domainLimit).Before(statuses[0].CreationDate) {
				nextAvailable = now.Add(domainLimit)
			}
			// A slot earlier than the not_before constraint is unusable.
			if !nextAvailable.IsZero() && nextAvailable.Before(notBefore) {
				nextAvailable = time.Time{}
			}
		}

		if nextAvailable.IsZero() {
			// Keep searching for a gap between consecutive sends.
			for i, status := range statuses {
				var nextStatus time.Time
				if len(statuses) > i+1 {
					nextStatus = statuses[i+1].CreationDate
				}
				if nextStatus.IsZero() || status.CreationDate.Add(2*domainLimit).Before(nextStatus) {
					candidate := status.CreationDate.Add(domainLimit)
					if candidate.Before(notBefore) {
						continue
					}
					nextAvailable = candidate
					break
				}
			}
		}

		if nextAvailable.IsZero() || nextAvailable.Before(now) {
			nextAvailable = notBefore
		}
		// Only move the slot later than what a previous policy chose.
		if nextAvailable.After(worker.NextAvailable) {
			worker.NextAvailable = nextAvailable
		}
	}

	// Order the workers by next_available with a random tiebreaker.
	jitter := make(map[string]float64, len(workers))
	for _, w := range workers {
		jitter[w.IP] = p.rnd()
	}
	sort.SliceStable(workers, func(a, b int) bool {
		if workers[a].NextAvailable.Equal(workers[b].NextAvailable) {
			return jitter[workers[a].IP] < jitter[workers[b].IP]
		}
		return workers[a].NextAvailable.Before(workers[b].NextAvailable)
	})

	total := len(workers)
	ranked := workers[:0]
	for index := range workers {
		worker := workers[index]
		var settings rateLimitSettings
		worker.Settings(p.Name(), &settings)
		maxQueued := 30
		if settings.MaxQueued != nil {
			maxQueued = *settings.MaxQueued
		}
		// Drop candidates whose slot falls beyond the queueing horizon.
		if worker.NextAvailable.After(now.Add(time.Duration(maxQueued) * time.Second)) {
			p.logger.DebugContext(ctx, "Next available is too far to be scheduled",
				"identifier", env.Identifier,
				"worker", worker.IP,
				"max_queued", maxQueued,
			)
			continue
		}
		if prioritize == "earlier" {
			worker.Score += round2(float64(total-index) * 0.1)
		}
		ranked = append(ranked, worker)
	}
	return ranked
}

// recentSends reads the SENDING events recorded since the given instant
// for one (source IP, destination domain), ascending by time.
func (p *RateLimit) recentSends(ctx context.Context, sourceIP, domain string, since time.Time) []sendEvent {
	key := p.cache.StatusKey("rate_limit", sourceIP, domain)
	members, err := p.cache.ZRangeByScore(ctx, key, float64(since.Unix()))
	if err != nil {
		p.logger.WithError(err).Warn("Failed to read rate-limit ledger", "key", key)
		return nil
	}
	events := make([]sendEvent, 0, len(members))
	for _, member := range members {
		parts := strings.SplitN(member, ":", 2)
		if len(parts) != 2 {
			continue
		}
		ts, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		events = append(events, sendEvent{
			Identifier:   parts[0],
			CreationDate: time.Unix(int64(ts), 0).UTC(),
		})
	}
	sort.Slice(events, func(a, b int) bool {
		return events[a].CreationDate.Before(events[b].CreationDate)
	})
	return events
}

// OnStatusPreSave appends a SENDING event to the ledger, scored by its
// creation time.
func (p *RateLimit) OnStatusPreSave(ctx context.Context, status *model.MailStatus) error {
	if status.Status != model.StatusSending {
		return nil
	}
	key := p.cache.StatusKey("rate_limit", status.SourceIP, status.DestinationDomain)
	ts := status.CreationDate.Unix()
	member := fmt.Sprintf("%s:%d", status.Identifier, ts)
	return p.cache.ZAdd(ctx, key, float64(ts), member)
}

func (p *RateLimit) OnStatusPostSave(ctx context.Context, status *model.MailStatus) error {
	return nil
}
