// Package gc implements the garbage collector: worker liveness pings,
// recovery of tasks trapped on disabled queues, re-dispatch of the
// holding queue and message-body purging.
package gc

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fenilsonani/mailrouter/internal/bus"
	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/metrics"
	"github.com/fenilsonani/mailrouter/internal/store"
	"github.com/fenilsonani/mailrouter/internal/worker"
)

// defaultPingTimeout is how long workers have to answer a liveness ping.
const defaultPingTimeout = 3 * time.Second

// pingFailureTTL bounds how long a miss streak is remembered.
const pingFailureTTL = 5 * time.Minute

// Collector hosts the periodic GC tasks.
type Collector struct {
	cfg      *config.Config
	cache    *cache.Cache
	bus      *bus.Bus
	workers  store.WorkerStore
	mails    store.MailStore
	registry *worker.Registry
	logger   *logging.Logger

	pingTimeout time.Duration
}

// New builds a collector.
func New(cfg *config.Config, c *cache.Cache, b *bus.Bus, workers store.WorkerStore, mails store.MailStore, registry *worker.Registry, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Collector{
		cfg:      cfg,
		cache:    c,
		bus:      b,
		workers:  workers,
		mails:    mails,
		registry: registry,
		logger:   logger.GC(),

		pingTimeout: defaultPingTimeout,
	}
}

// PingWorkers broadcasts a liveness ping to the enabled workers and
// counts misses; a worker missing more than the configured limit is
// disabled.
func (g *Collector) PingWorkers(ctx context.Context) error {
	enabled, err := g.workers.ListByEnabled(ctx, true)
	if err != nil {
		return err
	}
	if len(enabled) == 0 {
		return nil
	}

	pongs, err := g.bus.Ping(ctx, g.pingTimeout)
	if err != nil {
		return err
	}
	answered := make(map[string]bool, len(pongs))
	for _, name := range pongs {
		answered[name] = true
	}

	maxFailures := int64(g.cfg.Cache.MaxPingFailures)
	for _, w := range enabled {
		key := g.cache.Key("worker", "ping_failures", w.IP)
		if answered[w.Name] {
			g.logger.Debug("Worker is up", "ip", w.IP)
			g.cache.Del(ctx, key)
			continue
		}

		failures, err := g.cache.GetInt(ctx, key)
		if err == cache.ErrNotFound {
			if err := g.cache.Set(ctx, key, 0, pingFailureTTL); err != nil {
				return err
			}
			failures = 0
		} else if err != nil {
			return err
		}
		g.logger.Debug("No ping response from worker",
			"ip", w.IP,
			"failures", failures,
			"max", maxFailures,
		)

		if failures > maxFailures {
			g.logger.Warn("Worker seems to have crashed, disabling it",
				"ip", w.IP,
				"name", w.Name,
			)
			if _, err := g.registry.SetEnabled(ctx, w.ID, false); err != nil {
				return err
			}
			g.cache.Del(ctx, key)
			metrics.WorkersDisabled.Inc()
			continue
		}
		if _, err := g.cache.Incr(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// CheckDisabledWorkers re-publishes every task pending on a disabled
// worker's queues back to the routing queue.
func (g *Collector) CheckDisabledWorkers(ctx context.Context) error {
	disabled, err := g.workers.ListByEnabled(ctx, false)
	if err != nil {
		return err
	}
	for _, w := range disabled {
		for _, retry := range []bool{false, true} {
			queue := g.cfg.MXQueueName(w.IP, retry)
			size, err := g.bus.Size(ctx, queue)
			if err != nil {
				return err
			}
			if size == 0 {
				continue
			}
			g.logger.Info("Republishing tasks from disabled queue",
				"queue", queue,
				"size", size,
			)
			count, err := g.requeue(ctx, queue)
			if err != nil {
				return err
			}
			metrics.TasksRequeued.Add(float64(count))
		}
	}
	return nil
}

// DispatchQueued re-routes every task parked on the holding queue.
func (g *Collector) DispatchQueued(ctx context.Context) error {
	queue := g.cfg.Broker.QueuedMailQueue
	size, err := g.bus.Size(ctx, queue)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	g.logger.Info("Rerouting tasks from holding queue", "queue", queue, "size", size)
	_, err = g.requeue(ctx, queue)
	return err
}

// requeue drains one queue into the routing queue.
func (g *Collector) requeue(ctx context.Context, queue string) (int, error) {
	return g.bus.Drain(ctx, queue, func(task *bus.Task) error {
		g.logger.Info("Republishing mail into routing task",
			"identifier", task.Identifier,
			"attempts", task.Attempts,
		)
		return g.bus.Enqueue(ctx, g.cfg.Broker.RoutingQueue, &bus.Task{
			Name:       bus.TaskRouteEnvelope,
			Identifier: task.Identifier,
			Headers:    task.Headers,
			Attempts:   task.Attempts,
			NotBefore:  task.NotBefore,
			Reply:      task.Reply,
		}, 0)
	})
}

// PurgeRawMail deletes unreferenced message bodies older than the
// retention window.
func (g *Collector) PurgeRawMail(ctx context.Context) error {
	purged, err := g.mails.PurgeRawMail(ctx, config.Duration(g.cfg.GC.RetentionWindow))
	if err != nil {
		return err
	}
	if purged > 0 {
		g.logger.Info("Purged expired message bodies", "count", purged)
		metrics.RawMailPurged.Add(float64(purged))
	}
	return nil
}

// Run schedules the periodic tasks and blocks until the context is
// done.
func (g *Collector) Run(ctx context.Context) error {
	scheduler := cron.New()

	schedule := func(spec string, name string, fn func(context.Context) error) error {
		_, err := scheduler.AddFunc(spec, func() {
			if err := fn(ctx); err != nil {
				g.logger.Error("GC task failed", "task", name, "error", err.Error())
				metrics.RecordError("gc", name)
			}
		})
		return err
	}

	if err := schedule(g.cfg.GC.PingSchedule, "ping_workers", g.PingWorkers); err != nil {
		return err
	}
	if err := schedule(g.cfg.GC.DisabledSchedule, "check_disabled_workers", g.CheckDisabledWorkers); err != nil {
		return err
	}
	if err := schedule(g.cfg.GC.DisabledSchedule, "dispatch_queued", g.DispatchQueued); err != nil {
		return err
	}
	if err := schedule(g.cfg.GC.PurgeSchedule, "purge_raw_mail", g.PurgeRawMail); err != nil {
		return err
	}

	scheduler.Start()
	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
