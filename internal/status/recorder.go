// Package status records MailStatus history events and drives the
// policy signal hooks that keep the cache consistent with them.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
	"github.com/fenilsonani/mailrouter/internal/policy"
	"github.com/fenilsonani/mailrouter/internal/store"
)

// SoftFailure marks a validation failure while recording a status: the
// current task is discarded without retry.
type SoftFailure struct {
	Reason string
	Err    error
}

func (e *SoftFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("soft failure: %s: %v", e.Reason, e.Err)
	}
	return "soft failure: " + e.Reason
}

func (e *SoftFailure) Unwrap() error { return e.Err }

// IsSoftFailure reports whether err is a SoftFailure.
func IsSoftFailure(err error) bool {
	var soft *SoftFailure
	return errors.As(err, &soft)
}

// Recorder appends MailStatus rows, running the policy signal hooks
// around the write. All non-idempotent cache side effects flow through
// here, so replaying a window of statuses re-derives identical state.
type Recorder struct {
	statuses store.StatusStore
	mails    store.MailStore
	chain    *policy.Chain
	srcAddr  string
	logger   *logging.Logger
	now      func() time.Time
}

// NewRecorder builds a recorder. srcAddr is the default source IP
// stamped on statuses recorded by this process.
func NewRecorder(statuses store.StatusStore, mails store.MailStore, chain *policy.Chain, srcAddr string, logger *logging.Logger, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		statuses: statuses,
		mails:    mails,
		chain:    chain,
		srcAddr:  srcAddr,
		logger:   logger,
		now:      now,
	}
}

// Record appends one status event. A mail that cannot be resolved is a
// SoftFailure: the caller discards its task without retry.
func (r *Recorder) Record(ctx context.Context, s *model.MailStatus) error {
	if s.SourceIP == "" {
		s.SourceIP = r.srcAddr
	}
	if s.CreationDate.IsZero() {
		s.CreationDate = r.now()
	}

	if err := r.chain.RunPreSave(ctx, s); err != nil {
		return err
	}

	if err := r.statuses.Append(ctx, s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &SoftFailure{Reason: "no mail for identifier " + s.Identifier, Err: err}
		}
		return err
	}

	if err := r.chain.RunPostSave(ctx, s); err != nil {
		return err
	}

	// Terminal states free the body reference.
	if model.IsTerminal(s.Status) {
		if err := r.mails.ClearBody(ctx, s.MailID); err != nil {
			r.logger.WithError(err).Warn("Failed to clear mail body reference",
				"identifier", s.Identifier)
		}
	}
	return nil
}

// Replay re-runs the signal hooks for every status recorded within the
// window, oldest first, rebuilding the status cache. Returns how many
// statuses were replayed.
func (r *Recorder) Replay(ctx context.Context, window time.Duration) (int, error) {
	statuses, err := r.statuses.Recent(ctx, window)
	if err != nil {
		return 0, err
	}
	for i, s := range statuses {
		if err := r.chain.RunPreSave(ctx, s); err != nil {
			return i, err
		}
		if err := r.chain.RunPostSave(ctx, s); err != nil {
			return i, err
		}
	}
	return len(statuses), nil
}
