package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fenilsonani/mailrouter/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the Postgres connection and implements the repositories.
type DB struct {
	*sql.DB
}

// Open connects to Postgres with the given DSN.
func Open(dsn string, maxOpen, maxIdle int) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate runs all pending database migrations
func (db *DB) Migrate(ctx context.Context) error {
	currentVersion, err := db.getSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations, err := db.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func (db *DB) getSchemaVersion(ctx context.Context) (int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return 0, err
	}

	var version sql.NullInt64
	err = db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM schema_migrations",
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (db *DB) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var migrations []migration
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".sql"), "_", 2)
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", name, err)
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{
			version: version,
			name:    name,
			sql:     string(content),
		})
	}
	return migrations, nil
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
		return err
	}
	return tx.Commit()
}

const workerColumns = "id, name, ip, creation_date, update_date, enabled, policies_settings"

func scanWorker(row interface{ Scan(...any) error }) (*model.Worker, error) {
	var w model.Worker
	var settings []byte
	err := row.Scan(&w.ID, &w.Name, &w.IP, &w.CreationDate, &w.UpdateDate, &w.Enabled, &settings)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &w.PoliciesSettings); err != nil {
			return nil, fmt.Errorf("invalid policies_settings for %s: %w", w.IP, err)
		}
	}
	return &w, nil
}

// Get returns one worker by primary key.
func (db *DB) Get(ctx context.Context, id int64) (*model.Worker, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = $1", id)
	return scanWorker(row)
}

// GetByIP returns one worker by source IP.
func (db *DB) GetByIP(ctx context.Context, ip string) (*model.Worker, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE ip = $1", ip)
	return scanWorker(row)
}

// List returns every worker, ordered by IP.
func (db *DB) List(ctx context.Context) ([]*model.Worker, error) {
	return db.queryWorkers(ctx,
		"SELECT "+workerColumns+" FROM workers ORDER BY ip")
}

// ListByEnabled returns the workers matching the enabled flag.
func (db *DB) ListByEnabled(ctx context.Context, enabled bool) ([]*model.Worker, error) {
	return db.queryWorkers(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE enabled = $1 ORDER BY ip", enabled)
}

func (db *DB) queryWorkers(ctx context.Context, query string, args ...any) ([]*model.Worker, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// Upsert creates or updates the worker record keyed by IP.
func (db *DB) Upsert(ctx context.Context, worker *model.Worker) error {
	settings, err := json.Marshal(worker.PoliciesSettings)
	if err != nil {
		return err
	}
	row := db.QueryRowContext(ctx, `
		INSERT INTO workers (name, ip, enabled, policies_settings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ip) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			policies_settings = EXCLUDED.policies_settings,
			update_date = now()
		RETURNING id, creation_date, update_date`,
		worker.Name, worker.IP, worker.Enabled, settings)
	return row.Scan(&worker.ID, &worker.CreationDate, &worker.UpdateDate)
}

// SetEnabled flips the enabled flag and returns the updated record.
func (db *DB) SetEnabled(ctx context.Context, id int64, enabled bool) (*model.Worker, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE workers SET enabled = $2, update_date = now()
		WHERE id = $1
		RETURNING `+workerColumns, id, enabled)
	return scanWorker(row)
}

// Create stores a mail and its body in one transaction, minting the
// identifier when empty.
func (db *DB) Create(ctx context.Context, mail *model.Mail, body []byte) error {
	if mail.Identifier == "" {
		mail.Identifier = model.NewIdentifier()
	}
	headers, err := json.Marshal(mail.Headers)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rawID int64
	if err := tx.QueryRowContext(ctx,
		"INSERT INTO raw_mail (content) VALUES ($1) RETURNING id", body,
	).Scan(&rawID); err != nil {
		return err
	}

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO mail (identifier, headers, sender, recipient, message_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		mail.Identifier, headers, mail.Sender, mail.Recipient, rawID,
	).Scan(&mail.ID); err != nil {
		return err
	}
	mail.MessageID = &rawID

	return tx.Commit()
}

// GetByIdentifier returns one mail by its identifier.
func (db *DB) GetByIdentifier(ctx context.Context, identifier string) (*model.Mail, error) {
	var m model.Mail
	var headers []byte
	var messageID sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT id, identifier, headers, sender, recipient, message_id
		FROM mail WHERE identifier = $1`, identifier,
	).Scan(&m.ID, &m.Identifier, &headers, &m.Sender, &m.Recipient, &messageID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(headers, &m.Headers); err != nil {
		return nil, fmt.Errorf("invalid headers for %s: %w", identifier, err)
	}
	if messageID.Valid {
		m.MessageID = &messageID.Int64
	}
	return &m, nil
}

// Envelope rebuilds the deliverable envelope from the stored headers
// and body.
func (db *DB) Envelope(ctx context.Context, identifier string) (*model.Envelope, error) {
	mail, err := db.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if mail.MessageID == nil {
		return nil, fmt.Errorf("store: no body attached to %s", identifier)
	}

	var content []byte
	err = db.QueryRowContext(ctx,
		"SELECT content FROM raw_mail WHERE id = $1", *mail.MessageID,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: no body attached to %s", identifier)
	}
	if err != nil {
		return nil, err
	}

	env := &model.Envelope{
		Sender:    mail.Sender,
		Recipient: mail.Recipient,
		Body:      content,
	}
	// Header order is irrelevant on the wire but must be stable.
	keys := make([]string, 0, len(mail.Headers))
	for k := range mail.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env.Headers = append(env.Headers, model.Header{Key: k, Value: mail.Headers[k]})
	}
	return env, nil
}

// ClearBody drops the body reference of a mail.
func (db *DB) ClearBody(ctx context.Context, mailID int64) error {
	_, err := db.ExecContext(ctx,
		"UPDATE mail SET message_id = NULL WHERE id = $1", mailID)
	return err
}

// PurgeRawMail deletes unreferenced bodies older than the window and
// returns how many were removed.
func (db *DB) PurgeRawMail(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM raw_mail
		WHERE creation_date < now() - $1 * INTERVAL '1 second'
		AND id NOT IN (SELECT message_id FROM mail WHERE message_id IS NOT NULL)`,
		int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Append records one MailStatus event, resolving the mail by
// identifier.
func (db *DB) Append(ctx context.Context, status *model.MailStatus) error {
	if status.MailID == 0 {
		mail, err := db.GetByIdentifier(ctx, status.Identifier)
		if err != nil {
			return err
		}
		status.MailID = mail.ID
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO mail_status (mail_id, status, source_ip, destination_domain, status_code, raw_msg, creation_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		status.MailID, status.Status, status.SourceIP, status.DestinationDomain,
		status.StatusCode, status.RawMsg, status.CreationDate,
	).Scan(&status.ID)
}

// FindDiscard returns the first DELETED-or-terminal status for an
// identifier, or ErrNotFound.
func (db *DB) FindDiscard(ctx context.Context, identifier string) (*model.MailStatus, error) {
	states := make([]string, 0, len(model.DiscardStates))
	for _, s := range model.DiscardStates {
		states = append(states, string(s))
	}
	row := db.QueryRowContext(ctx, `
		SELECT ms.id, ms.mail_id, m.identifier, ms.status, ms.source_ip,
		       ms.destination_domain, ms.status_code, ms.raw_msg, ms.creation_date
		FROM mail_status ms
		JOIN mail m ON m.id = ms.mail_id
		WHERE m.identifier = $1 AND ms.status = ANY($2)
		ORDER BY ms.creation_date
		LIMIT 1`, identifier, pq.Array(states))
	return scanStatus(row)
}

func scanStatus(row interface{ Scan(...any) error }) (*model.MailStatus, error) {
	var s model.MailStatus
	err := row.Scan(&s.ID, &s.MailID, &s.Identifier, &s.Status, &s.SourceIP,
		&s.DestinationDomain, &s.StatusCode, &s.RawMsg, &s.CreationDate)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Recent returns the statuses recorded within the window, oldest first.
func (db *DB) Recent(ctx context.Context, window time.Duration) ([]*model.MailStatus, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ms.id, ms.mail_id, m.identifier, ms.status, ms.source_ip,
		       ms.destination_domain, ms.status_code, ms.raw_msg, ms.creation_date
		FROM mail_status ms
		JOIN mail m ON m.id = ms.mail_id
		WHERE ms.creation_date >= now() - $1 * INTERVAL '1 second'
		ORDER BY ms.creation_date`,
		int64(window.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []*model.MailStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}
