// Package runlock serializes engine runs through a Redis lease so two
// processes never write the same output window concurrently.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld reports that another process holds the lease.
var ErrHeld = errors.New("run lease already held")

// Config selects the lease backend. Disabled leasing hands out no-op leases.
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Locker acquires run leases.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a locker from config.
func New(cfg Config) *Locker {
	l := &Locker{ttl: cfg.TTL}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Minute
	}
	if cfg.Enabled {
		l.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return l
}

// LeaseKey composes the Redis key guarding a run scope.
func LeaseKey(scope string) string { return "margen:lease:" + scope }

// Lease is a held run lease. The zero Lease is a released no-op.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire takes the lease for a scope, failing with ErrHeld when another
// process owns it. The token ties release to this acquisition, so a crashed
// holder's expired lease cannot be released by its successor's shutdown.
func (l *Locker) Acquire(ctx context.Context, scope string) (*Lease, error) {
	if l.client == nil {
		return &Lease{}, nil
	}
	key := LeaseKey(scope)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lease %s: %w", scope, err)
	}
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", scope, ErrHeld)
	}
	return &Lease{client: l.client, key: key, token: token, ttl: l.ttl}, nil
}

// Extend pushes the lease expiry out by the configured TTL. Long runs call
// this between days.
func (le *Lease) Extend(ctx context.Context) error {
	if le.client == nil {
		return nil
	}
	holder, err := le.client.Get(ctx, le.key).Result()
	if err != nil {
		return fmt.Errorf("failed to extend run lease: %w", err)
	}
	if holder != le.token {
		return fmt.Errorf("lease %s no longer ours: %w", le.key, ErrHeld)
	}
	return le.client.Expire(ctx, le.key, le.ttl).Err()
}

// Release drops the lease if this process still holds it.
func (le *Lease) Release(ctx context.Context) error {
	if le.client == nil {
		return nil
	}
	holder, err := le.client.Get(ctx, le.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release run lease: %w", err)
	}
	if holder != le.token {
		return nil
	}
	return le.client.Del(ctx, le.key).Err()
}

// Close releases the Redis connection, if any.
func (l *Locker) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
