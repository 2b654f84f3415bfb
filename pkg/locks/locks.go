// Package locks serializes mutations per key, in process and optionally across
// replicas through redis.
package locks

import (
	"context"
	"sort"
	"sync"
)

// Locker grants exclusive ownership of a key until the returned release runs.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker backed by one mutex per active key.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock blocks until key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &keyEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			m.drop(key, entry)
		})
	}, nil
}

func (m *KeyedMutex) drop(key string, entry *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
}

// Active returns the number of keys currently held or awaited.
func (m *KeyedMutex) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// LockAll acquires every key in sorted order so concurrent callers locking
// overlapping sets cannot deadlock. Duplicate keys are locked once.
func LockAll(ctx context.Context, locker Locker, keys ...string) (func(), error) {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	sort.Strings(unique)

	releases := make([]func(), 0, len(unique))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range unique {
		release, err := locker.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// Unlocked returns the keys that are not in held.
func Unlocked(held []string, keys ...string) []string {
	have := make(map[string]struct{}, len(held))
	for _, key := range held {
		have[key] = struct{}{}
	}
	var missing []string
	for _, key := range keys {
		if _, ok := have[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// LineItemKey is the lock key for a line item.
func LineItemKey(id string) string {
	return "line_item:" + id
}
