package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/redis"
)

// Manager remembers processed keys per scope using Redis SETNX with a TTL.
// Keys follow the `ff:idempotency:evt:processed:<scope>:<id>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds an idempotency guard that marks keys as processed for the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

// CheckAndMarkProcessed returns true if the id has already been processed in scope and
// otherwise marks it as processed with the configured TTL.
func (m *Manager) CheckAndMarkProcessed(ctx context.Context, scope string, id uuid.UUID) (bool, error) {
	key, err := m.processedKey(scope, id)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Delete forgets a processed id so a failed handler can run again.
func (m *Manager) Delete(ctx context.Context, scope string, id uuid.UUID) error {
	key, err := m.processedKey(scope, id)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) processedKey(scope string, id uuid.UUID) (string, error) {
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if id == uuid.Nil {
		return "", errors.New("id is required")
	}
	return m.store.IdempotencyKey(fmt.Sprintf("evt:processed:%s", scope), id.String()), nil
}
