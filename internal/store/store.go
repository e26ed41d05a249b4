// Package store provides the Postgres-backed repositories for workers,
// mail and the append-only status history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fenilsonani/mailrouter/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("store: not found")
)

// WorkerStore persists Worker records. At most one record exists per
// source IP.
type WorkerStore interface {
	Get(ctx context.Context, id int64) (*model.Worker, error)
	GetByIP(ctx context.Context, ip string) (*model.Worker, error)
	List(ctx context.Context) ([]*model.Worker, error)
	ListByEnabled(ctx context.Context, enabled bool) ([]*model.Worker, error)
	// Upsert creates or updates the record keyed by IP.
	Upsert(ctx context.Context, worker *model.Worker) error
	SetEnabled(ctx context.Context, id int64, enabled bool) (*model.Worker, error)
}

// MailStore persists Mail rows and their body references.
type MailStore interface {
	// Create stores the mail and its body, minting the identifier when
	// empty.
	Create(ctx context.Context, mail *model.Mail, body []byte) error
	GetByIdentifier(ctx context.Context, identifier string) (*model.Mail, error)
	// Envelope rebuilds the deliverable envelope from the stored
	// headers and body.
	Envelope(ctx context.Context, identifier string) (*model.Envelope, error)
	// ClearBody drops the body reference once a terminal status exists.
	ClearBody(ctx context.Context, mailID int64) error
	// PurgeRawMail deletes unreferenced bodies older than the window.
	PurgeRawMail(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StatusStore persists the append-only MailStatus history.
type StatusStore interface {
	Append(ctx context.Context, status *model.MailStatus) error
	// FindDiscard returns the first DELETED-or-terminal status for an
	// identifier, or ErrNotFound.
	FindDiscard(ctx context.Context, identifier string) (*model.MailStatus, error)
	// Recent returns the statuses recorded within the window, oldest
	// first; the cache rebuild command replays their signals.
	Recent(ctx context.Context, window time.Duration) ([]*model.MailStatus, error)
}
