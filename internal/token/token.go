// Package token manages the per-envelope delivery tokens guarding
// against stale duplicate delivery tasks.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/mailrouter/internal/cache"
)

// ErrNotFound is returned when no token exists for an envelope.
var ErrNotFound = errors.New("token: no envelope token found in cache")

// Store mints, reads and revokes delivery tokens.
type Store struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewStore builds a token store with the configured token TTL.
func NewStore(c *cache.Cache, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

func (s *Store) key(identifier string) string {
	return s.cache.Key("token", identifier)
}

// Mint stores a fresh token for the envelope, superseding any in-flight
// duplicate task carrying an older one.
func (s *Store) Mint(ctx context.Context, identifier string) (string, error) {
	t := uuid.NewString()
	if err := s.cache.Set(ctx, s.key(identifier), t, s.ttl); err != nil {
		return "", err
	}
	return t, nil
}

// Current returns the authoritative token for the envelope.
func (s *Store) Current(ctx context.Context, identifier string) (string, error) {
	t, err := s.cache.Get(ctx, s.key(identifier))
	if err == cache.ErrNotFound {
		return "", ErrNotFound
	}
	return t, err
}

// Delete revokes the envelope's token. Called on every transition to a
// terminal state.
func (s *Store) Delete(ctx context.Context, identifier string) error {
	_, err := s.cache.Del(ctx, s.key(identifier))
	return err
}
