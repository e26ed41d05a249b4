package cache

import (
	"context"
	"time"
)

// lockPollInterval is how often AcquireLock retries SetNX while blocking.
const lockPollInterval = 100 * time.Millisecond

// AcquireLock takes the named mutex, polling until the blocking budget
// runs out. The lock auto-expires after ttl so a crashed holder cannot
// deadlock routing. Returns true when acquired.
func (c *Cache) AcquireLock(ctx context.Context, name string, ttl, blocking time.Duration) (bool, error) {
	deadline := time.Now().Add(blocking)
	for {
		ok, err := c.SetNX(ctx, name, "true", ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// ReleaseLock drops the named mutex.
func (c *Cache) ReleaseLock(ctx context.Context, name string) error {
	_, err := c.Del(ctx, name)
	return err
}
