package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/mailrouter/internal/model"
)

func TestPool_MissingHeaderUsesDefault(t *testing.T) {
	cfg := newTestConfig()
	p := &Pool{cfg: cfg, logger: testLogger()}

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", map[string]any{
			"pool": map[string]any{"pools": []string{"default"}},
		}, testClock),
		view(t, "10.0.0.2", "worker_02", map[string]any{
			"pool": map[string]any{"pools": []string{"jambon"}},
		}, testClock),
	}

	// Envelope lacking the pool header routes to the default pool.
	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test+01@example.com"},
	}, workers)

	require.Len(t, ranked, 1)
	require.Equal(t, "10.0.0.1", ranked[0].IP)
	require.Equal(t, 0.0, ranked[0].Score)
}

func TestPool_NoPoolsSettingMeansDefault(t *testing.T) {
	cfg := newTestConfig()
	p := &Pool{cfg: cfg, logger: testLogger()}

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", map[string]any{
			"pool": map[string]any{},
		}, testClock),
		view(t, "10.0.0.2", "worker_02", map[string]any{
			"pool": map[string]any{"pools": []string{"jambon"}},
		}, testClock),
	}

	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers:    map[string]string{"To": "test+01@example.com"},
	}, workers)

	require.Len(t, ranked, 1)
	require.Equal(t, "10.0.0.1", ranked[0].IP)
}

func TestPool_HeaderSelectsPool(t *testing.T) {
	cfg := newTestConfig()
	p := &Pool{cfg: cfg, logger: testLogger()}

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", map[string]any{
			"pool": map[string]any{"pools": []string{"default"}},
		}, testClock),
		view(t, "10.0.0.2", "worker_02", map[string]any{
			"pool": map[string]any{"pools": []string{"jambon"}},
		}, testClock),
	}

	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers: map[string]string{
			"To":                "test+01@example.com",
			cfg.Headers.Pool:    "jambon",
		},
	}, workers)

	require.Len(t, ranked, 1)
	require.Equal(t, "10.0.0.2", ranked[0].IP)
}

func TestPool_HeaderIsNormalized(t *testing.T) {
	cfg := newTestConfig()
	p := &Pool{cfg: cfg, logger: testLogger()}

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", map[string]any{
			"pool": map[string]any{"pools": []string{"jambon"}},
		}, testClock),
	}

	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers: map[string]string{
			"To":             "test+01@example.com",
			cfg.Headers.Pool: "  JAMBON  ",
		},
	}, workers)

	require.Len(t, ranked, 1)
}

func TestPool_NoMatchDropsEveryone(t *testing.T) {
	cfg := newTestConfig()
	p := &Pool{cfg: cfg, logger: testLogger()}

	workers := []model.WorkerView{
		view(t, "10.0.0.1", "worker_01", map[string]any{
			"pool": map[string]any{"pools": []string{"default"}},
		}, testClock),
	}

	ranked := p.Apply(context.Background(), &EnvelopeView{
		Identifier: "0001",
		Headers: map[string]string{
			"To":             "test+01@example.com",
			cfg.Headers.Pool: "nonexistent",
		},
	}, workers)

	require.Empty(t, ranked)
}
