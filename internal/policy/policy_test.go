package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
)

// testClock is the frozen instant most scenarios run at.
var testClock = time.Date(2015, 12, 10, 12, 0, 30, 0, time.UTC)

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(client, cache.Config{
		Prefix:        "ms",
		StatusPrefix:  "status",
		StatusTimeout: 15 * 24 * time.Hour,
	})
	t.Cleanup(func() { client.Close() })
	return c, mr
}

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Headers.Pool = "X-Mailrouter-Pool"
	return cfg
}

// settingsDoc marshals a policies_settings document for worker views.
func settingsDoc(t *testing.T, doc map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(doc))
	for name, v := range doc {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		out[name] = raw
	}
	return out
}

func view(t *testing.T, ip, name string, settings map[string]any, at time.Time) model.WorkerView {
	t.Helper()
	return model.WorkerView{
		IP:               ip,
		Name:             name,
		PoliciesSettings: settingsDoc(t, settings),
		NextAvailable:    at,
	}
}

// fixedSource feeds a chain a static view list.
type fixedSource struct {
	views []model.WorkerView
}

func (s *fixedSource) ListViews(ctx context.Context) ([]model.WorkerView, error) {
	out := make([]model.WorkerView, len(s.views))
	copy(out, s.views)
	return out, nil
}

func fixedNow(at time.Time) func() time.Time { return func() time.Time { return at } }

func testLogger() *logging.Logger { return logging.Default() }

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestChain_FirstInitializesViews(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := newTestConfig()
	registry := NewRegistry(c, cfg, nil, fixedNow(testClock), fixedRand(0.5))

	source := &fixedSource{views: []model.WorkerView{
		{IP: "10.0.0.1", Name: "worker_01", Score: 99, NextAvailable: testClock.Add(time.Hour)},
	}}
	chain, err := registry.NewChain(nil, source, nil, fixedNow(testClock))
	require.NoError(t, err)

	sel, err := chain.Run(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
	})
	require.NoError(t, err)
	require.NotNil(t, sel.Worker)
	require.Equal(t, 0.0, sel.Score)
	require.Equal(t, testClock, sel.NextAvailable)
}

func TestChain_FirstHonorsNotBefore(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := newTestConfig()
	registry := NewRegistry(c, cfg, nil, fixedNow(testClock), fixedRand(0.5))

	source := &fixedSource{views: []model.WorkerView{{IP: "10.0.0.1", Name: "worker_01"}}}
	chain, err := registry.NewChain(nil, source, nil, fixedNow(testClock))
	require.NoError(t, err)

	notBefore := testClock.Add(10 * time.Minute)
	sel, err := chain.Run(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test@example.com"},
		NotBefore:  &notBefore,
	})
	require.NoError(t, err)
	require.Equal(t, notBefore, sel.NextAvailable)
}

func TestChain_LastPicksMaxScore(t *testing.T) {
	best, ranking := last([]model.WorkerView{
		{IP: "10.0.0.1", Score: 0.1},
		{IP: "10.0.0.2", Score: 0.3},
		{IP: "10.0.0.3", Score: 0.2},
	})
	require.NotNil(t, best)
	require.Equal(t, "10.0.0.2", best.IP)
	require.Len(t, ranking, 3)
}

func TestChain_LastEmpty(t *testing.T) {
	best, ranking := last(nil)
	require.Nil(t, best)
	require.Nil(t, ranking)
}

func TestChain_LastTiesAreStable(t *testing.T) {
	views := []model.WorkerView{
		{IP: "10.0.0.1", Score: 0.2},
		{IP: "10.0.0.2", Score: 0.2},
	}
	for i := 0; i < 10; i++ {
		best, _ := last(views)
		require.Equal(t, "10.0.0.1", best.IP)
	}
}

func TestChain_UnknownPolicy(t *testing.T) {
	c, _ := newTestCache(t)
	registry := NewRegistry(c, newTestConfig(), nil, fixedNow(testClock), fixedRand(0.5))
	_, err := registry.NewChain([]string{"jambon"}, &fixedSource{}, nil, nil)
	require.Error(t, err)
}
