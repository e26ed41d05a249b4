// Package storetest provides an in-memory store implementation for
// tests that exercise the routing pipeline without Postgres.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fenilsonani/mailrouter/internal/model"
	"github.com/fenilsonani/mailrouter/internal/store"
)

// Memory implements the store repositories in memory.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	workers  map[int64]*model.Worker
	mails    map[string]*model.Mail
	bodies   map[int64]*model.RawMail
	statuses []*model.MailStatus

	// Now supplies status timestamps in Recent comparisons.
	Now func() time.Time
}

// New returns an empty in-memory store.
func New() *Memory {
	return &Memory{
		workers: make(map[int64]*model.Worker),
		mails:   make(map[string]*model.Mail),
		bodies:  make(map[int64]*model.RawMail),
		Now:     time.Now,
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddWorker stores a worker directly, assigning an ID.
func (m *Memory) AddWorker(w *model.Worker) *model.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == 0 {
		w.ID = m.id()
	}
	m.workers[w.ID] = w
	return w
}

func (m *Memory) Get(ctx context.Context, id int64) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (m *Memory) GetByIP(ctx context.Context, ip string) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.IP == ip {
			return w, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) List(ctx context.Context) ([]*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].IP < out[b].IP })
	return out, nil
}

func (m *Memory) ListByEnabled(ctx context.Context, enabled bool) ([]*model.Worker, error) {
	all, _ := m.List(ctx)
	out := make([]*model.Worker, 0, len(all))
	for _, w := range all {
		if w.Enabled == enabled {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) Upsert(ctx context.Context, worker *model.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.IP == worker.IP {
			worker.ID = w.ID
			worker.CreationDate = w.CreationDate
			worker.UpdateDate = m.Now()
			m.workers[w.ID] = worker
			return nil
		}
	}
	worker.ID = m.id()
	worker.CreationDate = m.Now()
	worker.UpdateDate = worker.CreationDate
	m.workers[worker.ID] = worker
	return nil
}

func (m *Memory) SetEnabled(ctx context.Context, id int64, enabled bool) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	w.Enabled = enabled
	w.UpdateDate = m.Now()
	return w, nil
}

func (m *Memory) Create(ctx context.Context, mail *model.Mail, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mail.Identifier == "" {
		mail.Identifier = model.NewIdentifier()
	}
	mail.ID = m.id()
	raw := &model.RawMail{ID: m.id(), Content: body, CreationDate: m.Now()}
	m.bodies[raw.ID] = raw
	mail.MessageID = &raw.ID
	m.mails[mail.Identifier] = mail
	return nil
}

func (m *Memory) GetByIdentifier(ctx context.Context, identifier string) (*model.Mail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.mails[identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	return mail, nil
}

func (m *Memory) Envelope(ctx context.Context, identifier string) (*model.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.mails[identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	if mail.MessageID == nil {
		return nil, store.ErrNotFound
	}
	body := m.bodies[*mail.MessageID]
	env := &model.Envelope{
		Sender:    mail.Sender,
		Recipient: mail.Recipient,
		Body:      body.Content,
	}
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

func (m *Memory) ClearBody(ctx context.Context, mailID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mail := range m.mails {
		if mail.ID == mailID {
			mail.MessageID = nil
		}
	}
	return nil
}

func (m *Memory) PurgeRawMail(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referenced := make(map[int64]bool)
	for _, mail := range m.mails {
		if mail.MessageID != nil {
			referenced[*mail.MessageID] = true
		}
	}
	var purged int64
	cutoff := m.Now().Add(-olderThan)
	for id, raw := range m.bodies {
		if !referenced[id] && raw.CreationDate.Before(cutoff) {
			delete(m.bodies, id)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) Append(ctx context.Context, s *model.MailStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.mails[s.Identifier]
	if !ok {
		return store.ErrNotFound
	}
	s.MailID = mail.ID
	s.ID = m.id()
	copied := *s
	m.statuses = append(m.statuses, &copied)
	return nil
}

func (m *Memory) FindDiscard(ctx context.Context, identifier string) (*model.MailStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.statuses {
		if s.Identifier != identifier {
			continue
		}
		if s.Status == model.StatusDeleted || model.IsTerminal(s.Status) {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) Recent(ctx context.Context, window time.Duration) ([]*model.MailStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.Now().Add(-window)
	var out []*model.MailStatus
	for _, s := range m.statuses {
		if !s.CreationDate.Before(cutoff) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreationDate.Before(out[b].CreationDate)
	})
	return out, nil
}

// Statuses returns a snapshot of the recorded history.
func (m *Memory) Statuses() []*model.MailStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.MailStatus, len(m.statuses))
	copy(out, m.statuses)
	return out
}
