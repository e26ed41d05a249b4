// Package router implements the per-envelope routing task: policy
// evaluation under the per-domain lock, worker selection, scheduling
// and delivery dispatch.
package router

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/fenilsonani/mailrouter/internal/bus"
	"github.com/fenilsonani/mailrouter/internal/cache"
	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/metrics"
	"github.com/fenilsonani/mailrouter/internal/model"
	"github.com/fenilsonani/mailrouter/internal/policy"
	"github.com/fenilsonani/mailrouter/internal/status"
	"github.com/fenilsonani/mailrouter/internal/store"
	"github.com/fenilsonani/mailrouter/internal/token"
	"github.com/fenilsonani/mailrouter/internal/worker"
)

// noWorkerRetry is the reschedule delay when no worker survives the
// policy chain.
const noWorkerRetry = 5 * time.Minute

// Router consumes the routing queue and schedules delivery tasks.
type Router struct {
	cfg      *config.Config
	cache    *cache.Cache
	bus      *bus.Bus
	registry *worker.Registry
	statuses store.StatusStore
	mails    store.MailStore
	recorder *status.Recorder
	tokens   *token.Store
	logger   *logging.Logger
	now      func() time.Time
	intn     func(n int) int
}

// New builds a router. The now and intn functions default to the wall
// clock and math/rand; tests inject their own.
func New(cfg *config.Config, c *cache.Cache, b *bus.Bus, registry *worker.Registry, statuses store.StatusStore, mails store.MailStore, recorder *status.Recorder, tokens *token.Store, logger *logging.Logger, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{
		cfg:      cfg,
		cache:    c,
		bus:      b,
		registry: registry,
		statuses: statuses,
		mails:    mails,
		recorder: recorder,
		tokens:   tokens,
		logger:   logger.Router(),
		now:      now,
		intn:     rand.Intn,
	}
}

// RouteEnvelope routes one envelope: an idempotent no-op when a
// terminal status exists, otherwise a policy-chain run under the
// per-(domain, pool) lock ending in a delivery task enqueue.
func (r *Router) RouteEnvelope(ctx context.Context, task *bus.Task) error {
	ctx = logging.WithMessageID(ctx, task.Identifier)

	if discard, err := r.statuses.FindDiscard(ctx, task.Identifier); err == nil {
		r.logger.DebugContext(ctx, "Envelope ignored: already in a final state",
			"status", string(discard.Status),
			"since", discard.CreationDate,
		)
		metrics.RecordRoute("already_final")
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	destinationDomain := model.ExtractDomain(task.Headers["To"])
	pool := task.Headers[r.cfg.Headers.Pool]
	if pool == "" {
		pool = "default"
	}

	lockName := r.cache.Key("lock", "routing", destinationDomain, pool)
	lockStart := r.now()
	acquired, err := r.cache.AcquireLock(ctx, lockName, r.cfg.LockTimeout(), r.cfg.LockWaiting())
	metrics.LockWaitDuration.Observe(r.now().Sub(lockStart).Seconds())
	if err != nil {
		return err
	}
	if !acquired {
		// Contended domain: try again shortly.
		countdown := time.Duration(1+r.intn(6)) * time.Second
		r.logger.DebugContext(ctx, "Failed to acquire routing lock, rescheduling",
			"lock", lockName,
			"countdown", countdown.String(),
		)
		metrics.RecordRoute("lock_contention")
		return r.bus.Enqueue(ctx, r.cfg.Broker.RoutingQueue, &bus.Task{
			Name:       bus.TaskRouteEnvelope,
			Identifier: task.Identifier,
			Headers:    task.Headers,
			Attempts:   task.Attempts,
			NotBefore:  task.NotBefore,
			Reply:      task.Reply,
		}, countdown)
	}

	routed, err := r.routeLocked(ctx, task)
	if releaseErr := r.cache.ReleaseLock(ctx, lockName); releaseErr != nil {
		r.logger.WithError(releaseErr).Warn("Failed to release routing lock", "lock", lockName)
	}
	if err != nil {
		return err
	}
	if !routed {
		metrics.RecordRoute("no_worker")
		return r.bus.Enqueue(ctx, r.cfg.Broker.RoutingQueue, &bus.Task{
			Name:       bus.TaskRouteEnvelope,
			Identifier: task.Identifier,
			Headers:    task.Headers,
			Attempts:   task.Attempts,
			NotBefore:  task.NotBefore,
			Reply:      task.Reply,
		}, noWorkerRetry)
	}
	metrics.RecordRoute("scheduled")
	return nil
}

// routeLocked runs under the routing lock: find a worker, record the
// SENDING status and enqueue the delivery task. Returns false when no
// worker is available.
func (r *Router) routeLocked(ctx context.Context, task *bus.Task) (bool, error) {
	r.logger.DebugContext(ctx, "Routing envelope", "attempts", task.Attempts)

	env := &policy.EnvelopeView{
		Identifier: task.Identifier,
		Headers:    task.Headers,
		NotBefore:  task.NotBefore,
		Reply:      task.Reply,
	}
	selection, err := r.registry.FindWorker(ctx, env)
	if err != nil {
		return false, err
	}
	if selection.Worker == nil {
		r.logger.DebugContext(ctx, "No worker available, re-routing in 5 minutes")
		return false, nil
	}

	now := r.now()
	countdown := selection.NextAvailable.Sub(now)
	if countdown < 0 {
		countdown = 0
	}

	queueName := selection.Worker.QueueName(
		r.cfg.Broker.MXQueuePrefix, r.cfg.Broker.MXRetryPrefix, task.Attempts > 0)

	tok, err := r.tokens.Mint(ctx, task.Identifier)
	if err != nil {
		return false, err
	}

	mailStatus := &model.MailStatus{
		Identifier:        task.Identifier,
		Status:            model.StatusSending,
		SourceIP:          selection.Worker.IP,
		DestinationDomain: model.ExtractDomain(task.Headers["To"]),
		CreationDate:      now.Add(countdown),
	}
	if err := r.recorder.Record(ctx, mailStatus); err != nil {
		if status.IsSoftFailure(err) {
			r.logger.InfoContext(ctx, "Soft failure while routing, discarding task",
				"error", err.Error())
			return true, nil
		}
		return false, err
	}

	r.logger.InfoContext(ctx, "Envelope queued",
		"queue", queueName,
		"countdown_seconds", int(countdown.Seconds()),
		"score", selection.Score,
		"worker", selection.Worker.IP,
	)
	return true, r.bus.Enqueue(ctx, queueName, &bus.Task{
		Name:       bus.TaskSendEmail,
		Identifier: task.Identifier,
		Headers:    task.Headers,
		Attempts:   task.Attempts,
		Token:      tok,
	}, countdown)
}

// SubmitEnvelope persists a fresh envelope, records it QUEUED and hands
// it to the routing queue. The identifier comes from the message-ID
// header, minted when absent.
func (r *Router) SubmitEnvelope(ctx context.Context, envelope *model.Envelope) (string, error) {
	identifier := envelope.Get(r.cfg.Headers.MessageID)
	if identifier == "" {
		identifier = model.NewIdentifier()
		envelope.Set(r.cfg.Headers.MessageID, identifier)
	}

	headers := make(map[string]string, len(envelope.Headers))
	for _, h := range envelope.Headers {
		headers[h.Key] = h.Value
	}
	mail := &model.Mail{
		Identifier: identifier,
		Headers:    headers,
		Sender:     envelope.Sender,
		Recipient:  envelope.Recipient,
	}
	if err := r.mails.Create(ctx, mail, envelope.Body); err != nil {
		return "", err
	}

	if err := r.recorder.Record(ctx, &model.MailStatus{
		Identifier:        identifier,
		Status:            model.StatusQueued,
		DestinationDomain: model.ExtractDomain(envelope.Recipient),
	}); err != nil {
		return "", err
	}

	return identifier, r.Submit(ctx, identifier, headers)
}

// Submit hands an already-persisted mail to the routing queue. In
// sandbox mode the delivery is skipped and the envelope is immediately
// marked SENDING from the configured EHLO.
func (r *Router) Submit(ctx context.Context, identifier string, headers map[string]string) error {
	destinationDomain := model.ExtractDomain(headers["To"])
	if r.cfg.Sandbox {
		r.logger.InfoContext(ctx, "Ignoring envelope because sandbox is enabled",
			"identifier", identifier)
		return r.recorder.Record(ctx, &model.MailStatus{
			Identifier:        identifier,
			Status:            model.StatusSending,
			SourceIP:          r.cfg.MX.EhloAs,
			DestinationDomain: destinationDomain,
		})
	}
	return r.bus.Enqueue(ctx, r.cfg.Broker.RoutingQueue, &bus.Task{
		Name:       bus.TaskRouteEnvelope,
		Identifier: identifier,
		Headers:    headers,
	}, 0)
}

// Run consumes the routing queue until the context is done.
func (r *Router) Run(ctx context.Context) {
	concurrency := r.cfg.Router.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			r.consume(ctx, id)
		}(i)
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

func (r *Router) consume(ctx context.Context, id int) {
	r.logger.Debug("Routing consumer started", "consumer_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := r.bus.Dequeue(ctx, r.cfg.Broker.RoutingQueue)
		if err != nil {
			r.logger.Error("Failed to dequeue routing task", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := r.RouteEnvelope(ctx, task); err != nil {
			r.retryOrDrop(ctx, task, err)
			continue
		}
		r.bus.Ack(ctx, r.cfg.Broker.RoutingQueue, task)
	}
}

// retryOrDrop applies the broker-level autoretry with a bounded delay.
func (r *Router) retryOrDrop(ctx context.Context, task *bus.Task, cause error) {
	if task.Retries >= r.cfg.Broker.MaxRetries {
		r.logger.ErrorContext(ctx, "Routing task exhausted broker retries, dropping", cause,
			"identifier", task.Identifier,
			"retries", task.Retries,
		)
		r.bus.Ack(ctx, r.cfg.Broker.RoutingQueue, task)
		return
	}
	r.logger.WarnContext(ctx, "Error while trying to route envelope, retrying",
		"identifier", task.Identifier,
		"error", cause.Error(),
	)
	r.bus.Nack(ctx, r.cfg.Broker.RoutingQueue, task, config.Duration(r.cfg.Broker.DefaultRetryWait))
}
