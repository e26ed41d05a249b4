package policy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/model"
)

func rateLimitSettingsDoc() map[string]any {
	return map[string]any{
		"rate_limit": map[string]any{
			"domains":    []any{[]any{".*", 60}},
			"max_queued": 60 * 15,
		},
	}
}

// recordSend writes one SENDING ledger entry the way the pre-save
// signal does.
func recordSend(t *testing.T, c *cache.Cache, ip, domain, identifier string, at time.Time) {
	t.Helper()
	key := c.StatusKey("rate_limit", ip, domain)
	member := fmt.Sprintf("%s:%d", identifier, at.Unix())
	require.NoError(t, c.ZAdd(context.Background(), key, float64(at.Unix()), member))
}

func TestRateLimit_OneWorkerNeverSent(t *testing.T) {
	c, _ := newTestCache(t)
	t0 := time.Date(2015, 12, 10, 12, 0, 0, 0, time.UTC)
	now := t0.Add(30 * time.Second)
	p := &RateLimit{cache: c, logger: testLogger(), now: fixedNow(now), rnd: fixedRand(0.5)}

	// worker_01 just delivered to example.com at t0.
	recordSend(t, c, "10.0.0.1", "example.com", "0001", t0)

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", rateLimitSettingsDoc(), now),
		view(t, "10.0.0.2", "worker_02", rateLimitSettingsDoc(), now),
	}

	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0002",
		Headers:    map[string]string{"To": "test+01@example.com"},
	}, workers)

	require.Len(t, ranked, 2)
	// The idle worker ranks first with the higher score and an
	// immediate slot; the busy one is pushed one interval after t0.
	require.Equal(t, "10.0.0.2", ranked[0].IP)
	require.Equal(t, 0.2, ranked[0].Score)
	require.Equal(t, now, ranked[0].NextAvailable)
	require.Equal(t, "10.0.0.1", ranked[1].IP)
	require.Equal(t, 0.1, ranked[1].Score)
	require.Equal(t, t0.Add(60*time.Second), ranked[1].NextAvailable)

	best, _ := last(ranked)
	require.Equal(t, "10.0.0.2", best.IP)
}

func TestRateLimit_OrdersByLatestSend(t *testing.T) {
	c, _ := newTestCache(t)
	base := time.Date(2015, 12, 10, 12, 0, 0, 0, time.UTC)
	now := base.Add(25 * time.Second)
	p := &RateLimit{cache: c, logger: testLogger(), now: fixedNow(now), rnd: fixedRand(0.5)}

	// worker_02 sent at t0 and t0+20, worker_01 at t0+10.
	recordSend(t, c, "10.0.0.2", "example.com", "0001", base)
	recordSend(t, c, "10.0.0.1", "example.com", "0002", base.Add(10*time.Second))
	recordSend(t, c, "10.0.0.2", "example.com", "0003", base.Add(20*time.Second))

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", rateLimitSettingsDoc(), now),
		view(t, "10.0.0.2", "worker_02", rateLimitSettingsDoc(), now),
	}

	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0004",
		Headers:    map[string]string{"To": "test+04@example.com"},
	}, workers)

	require.Len(t, ranked, 2)
	require.Equal(t, "10.0.0.1", ranked[0].IP)
	require.Equal(t, 0.2, ranked[0].Score)
	require.Equal(t, "10.0.0.2", ranked[1].IP)
	require.Equal(t, 0.1, ranked[1].Score)
}

func TestRateLimit_NoMatchingDomainMeansNoLimit(t *testing.T) {
	c, _ := newTestCache(t)
	now := testClock
	p := &RateLimit{cache: c, logger: testLogger(), now: fixedNow(now), rnd: fixedRand(0.5)}

	settings := map[string]any{
		"rate_limit": map[string]any{
			"domains":    []any{[]any{`.*\.fr`, 60}},
			"max_queued": 900,
		},
	}
	recordSend(t, c, "10.0.0.1", "example.com", "0001", now.Add(-time.Second))

	workers := []model.WorkerView{view(t, "10.0.0.1", "worker_01", settings, now)}
	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0002",
		Headers:    map[string]string{"To": "test@example.com"},
	}, workers)

	require.Len(t, ranked, 1)
	// A zero interval schedules immediately.
	require.Equal(t, now, ranked[0].NextAvailable)
}

func TestRateLimit_MaxQueuedDropsFarSlots(t *testing.T) {
	c, _ := newTestCache(t)
	now := testClock
	p := &RateLimit{cache: c, logger: testLogger(), now: fixedNow(now), rnd: fixedRand(0.5)}

	settings := map[string]any{
		"rate_limit": map[string]any{
			"domains":    []any{[]any{".*", 60}},
			"max_queued": 30,
		},
	}
	// A send 10 seconds ago forces the next slot ~50s out, beyond the
	// 30-second horizon.
	recordSend(t, c, "10.0.0.1", "example.com", "0001", now.Add(-10*time.Second))

	workers := []model.WorkerView{view(t, "10.0.0.1", "worker_01", settings, now)}
	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0002",
		Headers:    map[string]string{"To": "test@example.com"},
	}, workers)

	require.Empty(t, ranked)
}

func TestRateLimit_NotBeforePushesSlot(t *testing.T) {
	c, _ := newTestCache(t)
	now := testClock
	notBefore := now.Add(5 * time.Minute)
	p := &RateLimit{cache: c, logger: testLogger(), now: fixedNow(now), rnd: fixedRand(0.5)}

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", rateLimitSettingsDoc(), notBefore),
	}
	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
		NotBefore:  &notBefore,
	}, workers)

	require.Len(t, ranked, 1)
	require.Equal(t, notBefore, ranked[0].NextAvailable)
}

func TestRateLimit_PreSaveSignalWritesLedger(t *testing.T) {
	c, _ := newTestCache(t)
	p := &RateLimit{cache: c, logger: testLogger(), now: fixedNow(testClock), rnd: fixedRand(0.5)}

	st := &model.MailStatus{
		Identifier:        "0001",
		Status:            model.StatusSending,
		SourceIP:          "10.0.0.1",
		DestinationDomain: "example.com",
		CreationDate:      testClock,
	}
	require.NoError(t, p.OnStatusPreSave(context.Background(), st))

	events := p.recentSends(context.Background(), "10.0.0.1", "example.com", testClock.Add(-time.Minute))
	require.Len(t, events, 1)
	require.Equal(t, "0001", events[0].Identifier)
	require.Equal(t, testClock.Unix(), events[0].CreationDate.Unix())
}

func TestRateLimit_PreSaveIgnoresOtherStatuses(t *testing.T) {
	c, _ := newTestCache(t)
	p := &RateLimit{cache: c, logger: testLogger(), now: fixedNow(testClock), rnd: fixedRand(0.5)}

	for _, st := range []model.Status{model.StatusQueued, model.StatusDelayed, model.StatusDelivered} {
		require.NoError(t, p.OnStatusPreSave(context.Background(), &model.MailStatus{
			Identifier:        "0001",
			Status:            st,
			SourceIP:          "10.0.0.1",
			DestinationDomain: "example.com",
			CreationDate:      testClock,
		}))
	}
	events := p.recentSends(context.Background(), "10.0.0.1", "example.com", testClock.Add(-time.Minute))
	require.Empty(t, events)
}
