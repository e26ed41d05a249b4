package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/model"
)

func warmUpConfig() *config.Config {
	cfg := newTestConfig()
	cfg.Policies.WarmUpDomains = map[string][]string{
		"bigisp": {"example.com", "example.net"},
	}
	return cfg
}

func warmUpSettingsDoc(matrix []int, goal int) map[string]any {
	return map[string]any{
		"warm_up": map[string]any{
			"domain_warm_up": map[string]any{
				"matrix":         matrix,
				"goal":           goal,
				"max_tolerance":  10,
				"step_tolerance": 10,
				"days_watched":   10,
			},
		},
	}
}

func newWarmUp(t *testing.T, cfg *config.Config, now time.Time) *WarmUp {
	t.Helper()
	c, _ := newTestCache(t)
	return &WarmUp{cache: c, cfg: cfg, logger: testLogger(), now: fixedNow(now), rnd: fixedRand(0.5)}
}

func TestWarmUp_NoGroupNoIPWarmUpDropsNothing(t *testing.T) {
	cfg := newTestConfig() // no warm-up domains
	p := newWarmUp(t, cfg, testClock)

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", warmUpSettingsDoc([]int{5, 10}, 10), testClock),
	}
	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@other.org"},
	}, workers)

	// Non-warmed workers keep missing_percent 100 and stay eligible.
	require.Len(t, ranked, 1)
	require.Equal(t, 1.0, ranked[0].Score)
}

func TestWarmUp_FirstDayStartsAtFirstStep(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", warmUpSettingsDoc([]int{5, 10, 30, 50, 100}, 50), testClock),
	}
	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
	}, workers)

	require.Len(t, ranked, 1)
	// No history: step is matrix[0], remains = 5 + 10% = 5.
	step, remains, ok := p.getStep(context.Background(), "10.0.0.1", "bigisp")
	require.True(t, ok)
	require.Equal(t, 5, step)
	require.Equal(t, 5, remains)
}

func TestWarmUp_StepClimbsFromYesterdayCounter(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)
	ctx := context.Background()

	// Yesterday delivered 32 to the group: inside [30*0.9, 50*0.9),
	// proposing the next rung, 50.
	yesterday := testClock.AddDate(0, 0, -1).Format(dayFormat)
	key := p.cache.StatusKey("warm_up", "counter", yesterday, "10.0.0.1", "example.com")
	require.NoError(t, p.cache.Set(ctx, key, 32, time.Hour))

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", warmUpSettingsDoc([]int{5, 10, 30, 50, 100}, 50), testClock),
	}
	p.Apply(ctx, &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
	}, workers)

	step, remains, ok := p.getStep(ctx, "10.0.0.1", "bigisp")
	require.True(t, ok)
	require.Equal(t, 50, step)
	require.Equal(t, 55, remains)
}

func TestWarmUp_StepClampedToGoal(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)
	ctx := context.Background()

	// Yesterday's 54 deliveries propose rung 100, beyond the goal of 50.
	yesterday := testClock.AddDate(0, 0, -1).Format(dayFormat)
	key := p.cache.StatusKey("warm_up", "counter", yesterday, "10.0.0.1", "example.com")
	require.NoError(t, p.cache.Set(ctx, key, 54, time.Hour))

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", warmUpSettingsDoc([]int{5, 10, 30, 50, 100}, 50), testClock),
	}
	p.Apply(ctx, &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
	}, workers)

	step, _, ok := p.getStep(ctx, "10.0.0.1", "bigisp")
	require.True(t, ok)
	require.Equal(t, 50, step)
}

func TestWarmUp_ExhaustedQuotaDropsWorker(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)
	ctx := context.Background()

	// Today's quota is memoized as spent: remains 0 on step 50.
	p.setStep(ctx, "10.0.0.1", "bigisp", 50, 0)

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", warmUpSettingsDoc([]int{5, 10, 30, 50, 100}, 50), testClock),
	}
	ranked := p.Apply(ctx, &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
	}, workers)

	require.Empty(t, ranked)

	best, _ := last(ranked)
	require.Nil(t, best)
}

func TestWarmUp_SendingConsumesQuotaDelayedReturnsIt(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)
	ctx := context.Background()

	p.setStep(ctx, "10.0.0.1", "bigisp", 50, 55)

	require.NoError(t, p.OnStatusPreSave(ctx, &model.MailStatus{
		Identifier:        "0001",
		Status:            model.StatusSending,
		SourceIP:          "10.0.0.1",
		DestinationDomain: "example.com",
		CreationDate:      testClock,
	}))
	_, remains, ok := p.getStep(ctx, "10.0.0.1", "bigisp")
	require.True(t, ok)
	require.Equal(t, 54, remains)

	require.NoError(t, p.OnStatusPreSave(ctx, &model.MailStatus{
		Identifier:        "0001",
		Status:            model.StatusDelayed,
		SourceIP:          "10.0.0.1",
		DestinationDomain: "example.com",
		CreationDate:      testClock,
	}))
	_, remains, ok = p.getStep(ctx, "10.0.0.1", "bigisp")
	require.True(t, ok)
	require.Equal(t, 55, remains)
}

func TestWarmUp_DeliveredIncrementsDayCounters(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.OnStatusPreSave(ctx, &model.MailStatus{
			Identifier:        "0001",
			Status:            model.StatusDelivered,
			SourceIP:          "10.0.0.1",
			DestinationDomain: "example.com",
			CreationDate:      testClock,
		}))
	}

	date := testClock.Format(dayFormat)
	perDomain, err := p.cache.GetInt(ctx, p.cache.StatusKey("warm_up", "counter", date, "10.0.0.1", "example.com"))
	require.NoError(t, err)
	require.Equal(t, int64(3), perDomain)
	perIP, err := p.cache.GetInt(ctx, p.cache.StatusKey("warm_up", "counter", date, "10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, int64(3), perIP)
}

func TestWarmUp_GroupCounterSumsDomains(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)
	ctx := context.Background()

	day := testClock.AddDate(0, 0, -1)
	date := day.Format(dayFormat)
	require.NoError(t, p.cache.Set(ctx, p.cache.StatusKey("warm_up", "counter", date, "10.0.0.1", "example.com"), 3, time.Hour))
	require.NoError(t, p.cache.Set(ctx, p.cache.StatusKey("warm_up", "counter", date, "10.0.0.1", "example.net"), 4, time.Hour))

	got := p.getCounter(ctx, day, "10.0.0.1", []string{"example.com", "example.net"})
	require.Equal(t, 7, got)
}

func TestWarmUp_ScoringUsesMissingPercent(t *testing.T) {
	cfg := warmUpConfig()
	p := newWarmUp(t, cfg, testClock)
	ctx := context.Background()

	// Half the quota left: missing percent 100 - (50-25)*100/50 = 50.
	p.setStep(ctx, "10.0.0.1", "bigisp", 50, 25)

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", warmUpSettingsDoc([]int{5, 10, 30, 50, 100}, 50), testClock),
	}
	ranked := p.Apply(ctx, &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
	}, workers)

	require.Len(t, ranked, 1)
	require.Equal(t, 0.5, ranked[0].Score)
}
