// Package mx implements the MX worker: per-IP queue consumption, SMTP
// delivery through the relay, status recording and transient re-routing.
package mx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fenilsonani/mailrouter/internal/backoff"
	"github.com/fenilsonani/mailrouter/internal/bus"
	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/metrics"
	"github.com/fenilsonani/mailrouter/internal/model"
	"github.com/fenilsonani/mailrouter/internal/relay"
	"github.com/fenilsonani/mailrouter/internal/status"
	"github.com/fenilsonani/mailrouter/internal/store"
	"github.com/fenilsonani/mailrouter/internal/token"
	"github.com/fenilsonani/mailrouter/internal/worker"
)

// misrouteRetry is the re-route delay for a delivery task that reached
// a process that is not an MX worker.
const misrouteRetry = 10 * time.Minute

// Worker consumes one source IP's delivery queues.
type Worker struct {
	cfg      *config.Config
	bus      *bus.Bus
	statuses store.StatusStore
	mails    store.MailStore
	recorder *status.Recorder
	tokens   *token.Store
	relay    relay.Relay
	registry *worker.Registry
	backoff  *backoff.ExponentialBackOff
	logger   *logging.Logger
	now      func() time.Time
	isMX     bool
	name     string
}

// New builds an MX worker. isMX is false when the process hosts no MX
// role; a delivery task reaching it is misrouted and goes back to the
// router.
func New(cfg *config.Config, b *bus.Bus, statuses store.StatusStore, mails store.MailStore, recorder *status.Recorder, tokens *token.Store, rl relay.Relay, registry *worker.Registry, logger *logging.Logger, isMX bool, now func() time.Time) (*Worker, error) {
	bo, err := backoff.New(backoff.Policy{
		MinRetryInterval: cfg.Retry.MinRetryInterval,
		MaxRetryInterval: cfg.Retry.MaxRetryInterval,
		TimeBeforeDrop:   cfg.Retry.TimeBeforeDrop,
	})
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	name := cfg.MX.WorkerName
	if name == "" {
		hostname, _ := os.Hostname()
		name = fmt.Sprintf("%s@%s", hostname, cfg.MX.SrcAddr)
	}
	return &Worker{
		cfg:      cfg,
		bus:      b,
		statuses: statuses,
		mails:    mails,
		recorder: recorder,
		tokens:   tokens,
		relay:    rl,
		registry: registry,
		backoff:  bo,
		logger:   logger.Delivery(),
		now:      now,
		isMX:     isMX,
		name:     name,
	}, nil
}

// Name returns the worker's broker name.
func (w *Worker) Name() string { return w.name }

// Register upserts this worker's record, enabled, advertising the
// configured policy settings, and puts it in the routing cache.
func (w *Worker) Register(ctx context.Context) error {
	settings := make(map[string]json.RawMessage, len(w.cfg.Policies.WorkerSettings))
	for name, doc := range w.cfg.Policies.WorkerSettings {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("mx: invalid policy settings for %q: %w", name, err)
		}
		settings[name] = raw
	}
	record := &model.Worker{
		Name:             w.name,
		IP:               w.cfg.MX.SrcAddr,
		Enabled:          true,
		PoliciesSettings: settings,
	}
	w.logger.Info("Registering worker as MX", "ip", record.IP, "name", record.Name)
	return w.registry.Save(ctx, record)
}

// Shutdown disables this worker's record so the router stops selecting
// it, and removes it from the cache.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.logger.Info("Disabling MX worker instance", "ip", w.cfg.MX.SrcAddr)
	return w.registry.DisableByIP(ctx, w.cfg.MX.SrcAddr)
}

// SendEmail performs one delivery attempt for an enqueued task.
func (w *Worker) SendEmail(ctx context.Context, task *bus.Task) error {
	ctx = logging.WithMessageID(ctx, task.Identifier)

	if !w.isMX {
		// Misrouted: this process cannot transmit. Delay and re-route.
		w.logger.ErrorContext(ctx, "Received delivery task but this is not an MX worker", nil,
			"reroute_minutes", int(misrouteRetry.Minutes()))
		reply := &model.Reply{
			Code:               "450",
			EnhancedStatusCode: "4.0.0",
			Message: fmt.Sprintf(
				"Unhandled delivery error: Re-trying to send envelope in %d minutes.",
				int(misrouteRetry.Minutes())),
		}
		if err := w.recordStatus(ctx, task, model.StatusDelayed, reply); err != nil {
			return err
		}
		metrics.TasksDiscarded.WithLabelValues("misrouted").Inc()
		return w.bus.Enqueue(ctx, w.cfg.Broker.RoutingQueue, &bus.Task{
			Name:       bus.TaskRouteEnvelope,
			Identifier: task.Identifier,
			Headers:    task.Headers,
			Attempts:   task.Attempts,
		}, misrouteRetry)
	}

	// Envelopes already in a final state are discarded.
	if discard, err := w.statuses.FindDiscard(ctx, task.Identifier); err == nil {
		w.logger.DebugContext(ctx, "Envelope ignored: already in a final state",
			"status", string(discard.Status),
			"since", discard.CreationDate,
		)
		metrics.TasksDiscarded.WithLabelValues("already_final").Inc()
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// A missing token is a serious problem: treat as transient and
	// re-route. A mismatched token marks a stale duplicate from a
	// pre-restart enqueue: discard silently.
	currentToken, err := w.tokens.Current(ctx, task.Identifier)
	if errors.Is(err, token.ErrNotFound) {
		w.logger.ErrorContext(ctx, "No envelope token found, re-routing", nil)
		reply := &model.Reply{
			Code:               "450",
			EnhancedStatusCode: "4.0.0",
			Message:            "Unhandled delivery error: No envelope token found in cache",
		}
		return w.handleTransientFailure(ctx, task, reply)
	}
	if err != nil {
		return err
	}
	if task.Token != currentToken {
		w.logger.InfoContext(ctx, "Discarding delivery task because token doesn't match")
		metrics.TasksDiscarded.WithLabelValues("stale_token").Inc()
		return nil
	}

	envelope, err := w.mails.Envelope(ctx, task.Identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.InfoContext(ctx, "Soft failure building envelope, discarding task",
				"error", err.Error())
			metrics.TasksDiscarded.WithLabelValues("soft_failure").Inc()
			return nil
		}
		return err
	}

	w.logger.DebugContext(ctx, "Sending envelope",
		"from", envelope.Sender,
		"to", envelope.Recipient,
		"attempts", task.Attempts,
	)

	started := w.now()
	reply, err := w.relay.Attempt(ctx, envelope, task.Attempts)
	elapsed := w.now().Sub(started).Seconds()

	switch {
	case err == nil:
		metrics.RecordDelivery("delivered", elapsed)
		return w.recordStatus(ctx, task, model.StatusDelivered, reply)
	default:
		var transient *relay.TransientError
		var permanent *relay.PermanentError
		if errors.As(err, &permanent) {
			metrics.RecordDelivery("bounced", elapsed)
			return w.recordStatus(ctx, task, model.StatusBounced, &permanent.Reply)
		}
		if errors.As(err, &transient) {
			metrics.RecordDelivery("delayed", elapsed)
			return w.handleTransientFailure(ctx, task, &transient.Reply)
		}
		// Unexpected I/O failure: transient.
		metrics.RecordDelivery("delayed", elapsed)
		w.logger.ErrorContext(ctx, "Error while trying to send email, envelope will be re-routed", err)
		return w.handleTransientFailure(ctx, task, &model.Reply{
			Code:               "450",
			EnhancedStatusCode: "4.0.0",
			Message:            "Unhandled delivery error: " + err.Error(),
		})
	}
}

// handleTransientFailure computes the back-off for the next attempt:
// DELAYED plus a re-route when the budget allows it, DROPPED otherwise.
func (w *Worker) handleTransientFailure(ctx context.Context, task *bus.Task, reply *model.Reply) error {
	w.logger.DebugContext(ctx, "Handling transient failure",
		"code", reply.Code,
		"message", reply.Message,
		"attempts", task.Attempts,
	)
	wait, ok := w.backoff.Next(task.Attempts + 1)
	if !ok {
		dropped := *reply
		dropped.Message += " (Too many retries)"
		return w.recordStatus(ctx, task, model.StatusDropped, &dropped)
	}

	if err := w.recordStatus(ctx, task, model.StatusDelayed, reply); err != nil {
		return err
	}
	notBefore := w.now().Add(wait)
	return w.bus.Enqueue(ctx, w.cfg.Broker.RoutingQueue, &bus.Task{
		Name:       bus.TaskRouteEnvelope,
		Identifier: task.Identifier,
		Headers:    task.Headers,
		Attempts:   task.Attempts + 1,
		NotBefore:  &notBefore,
		Reply:      reply,
	}, 0)
}

// recordStatus appends one status event for the task's envelope and
// revokes the delivery token on terminal transitions. A SoftFailure
// discards the task without retry.
func (w *Worker) recordStatus(ctx context.Context, task *bus.Task, st model.Status, reply *model.Reply) error {
	w.logger.DebugContext(ctx, "Recording status", "status", string(st))

	mailStatus := &model.MailStatus{
		Identifier:        task.Identifier,
		Status:            st,
		DestinationDomain: model.ExtractDomain(task.Headers["To"]),
	}
	if reply != nil {
		mailStatus.RawMsg = reply.Raw()
		mailStatus.StatusCode = reply.EnhancedStatusCode
	}

	if err := w.recorder.Record(ctx, mailStatus); err != nil {
		if status.IsSoftFailure(err) {
			w.logger.InfoContext(ctx, "Soft failure while recording status, discarding task",
				"error", err.Error())
			metrics.TasksDiscarded.WithLabelValues("soft_failure").Inc()
			return nil
		}
		return err
	}

	if model.IsTerminal(st) {
		if err := w.tokens.Delete(ctx, task.Identifier); err != nil {
			w.logger.WithError(err).Warn("Failed to delete envelope token",
				"identifier", task.Identifier)
		}
	}
	return nil
}

// Run registers the worker, answers control-channel pings, and consumes
// the first-attempt and retry queues until the context is done. On
// shutdown the worker record is disabled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.bus.Listen(runCtx, w.name, cancel)

	queues := []string{
		w.cfg.MXQueueName(w.cfg.MX.SrcAddr, false),
		w.cfg.MXQueueName(w.cfg.MX.SrcAddr, true),
	}
	concurrency := w.cfg.MX.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			w.consume(runCtx, queues, id)
		}(i)
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return w.Shutdown(shutdownCtx)
}

func (w *Worker) consume(ctx context.Context, queues []string, id int) {
	w.logger.Debug("Delivery consumer started", "consumer_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked := false
		for _, queue := range queues {
			task, err := w.bus.Dequeue(ctx, queue)
			if err != nil {
				w.logger.Error("Failed to dequeue delivery task", "error", err.Error(), "queue", queue)
				continue
			}
			if task == nil {
				continue
			}
			worked = true
			if err := w.SendEmail(ctx, task); err != nil {
				w.retryOrDrop(ctx, queue, task, err)
				continue
			}
			w.bus.Ack(ctx, queue, task)
		}
		if !worked {
			time.Sleep(500 * time.Millisecond)
		}
	}
}

// retryOrDrop applies the broker-level autoretry with a bounded delay.
func (w *Worker) retryOrDrop(ctx context.Context, queue string, task *bus.Task, cause error) {
	if task.Retries >= w.cfg.Broker.MaxRetries {
		w.logger.ErrorContext(ctx, "Delivery task exhausted broker retries, dropping", cause,
			"identifier", task.Identifier,
			"retries", task.Retries,
		)
		w.bus.Ack(ctx, queue, task)
		return
	}
	w.logger.WarnContext(ctx, "Error while trying to send email, retrying",
		"identifier", task.Identifier,
		"error", cause.Error(),
	)
	w.bus.Nack(ctx, queue, task, config.Duration(w.cfg.Broker.DefaultRetryWait))
}
