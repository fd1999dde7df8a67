// Package cache implements the TTL Cache (§4.3): named instances of
// key->value with lazy refresh, single-flight updates, and optional
// periodic sweeping of fully expired entries.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RefreshFunc produces a fresh value for key, or an error if the refresh
// failed (in which case the entry keeps its prior value).
type RefreshFunc func(ctx context.Context, key string) (any, error)

// ErrCacheUpdateFailed is the single generic error returned to callers
// when a refresh fails; the underlying cause is only logged (§4.3).
var ErrCacheUpdateFailed = errors.New("failed to update cache")

// ErrNotRegistered is returned by Get when the key has never been set.
var ErrNotRegistered = errors.New("cache: key not registered")

type entry struct {
	value      any
	refresh    RefreshFunc
	ttl        time.Duration
	lastUpdate time.Time
}

// Enabled reports whether caching is globally enabled; swapped out in
// tests and wired to the CACHING config key in production.
type Enabled func() bool

// AlwaysEnabled is the default Enabled function.
func AlwaysEnabled() bool { return true }

// Cache is one named TTL-cache instance.
type Cache struct {
	name    string
	enabled Enabled

	mu      sync.RWMutex
	entries map[string]*entry
	flights singleflight.Group

	// addAll is the fallback update function for getMultiple and for any
	// key not individually registered via Register.
	addAll    func(ctx context.Context, keys []string) (map[string]any, error)
	addAllTTL time.Duration
}

// New creates a named cache. enabled may be nil, defaulting to always-on.
func New(name string, enabled Enabled) *Cache {
	if enabled == nil {
		enabled = AlwaysEnabled
	}
	return &Cache{name: name, enabled: enabled, entries: make(map[string]*entry)}
}

// Register adds or replaces the refresh function and TTL for key,
// without fetching a value yet (the first Get triggers the refresh).
func (c *Cache) Register(key string, ttl time.Duration, refresh RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{refresh: refresh, ttl: ttl}
}

// RegisterAddAll installs the fallback update function used by Get for
// keys with no individual registration, and by GetMultiple.
func (c *Cache) RegisterAddAll(ttl time.Duration, fn func(ctx context.Context, keys []string) (map[string]any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addAll = fn
	c.addAllTTL = ttl
}

// Get returns a value at most ttl_ms stale, refreshing synchronously if
// stale or if caching is globally disabled. Concurrent Get calls for the
// same key during a refresh share one underlying call to refresh.
func (c *Cache) Get(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok && c.addAll != nil {
		e = &entry{refresh: c.addAllOne, ttl: c.addAllTTL}
		c.entries[key] = e
	}
	c.mu.Unlock()

	if e == nil {
		return nil, ErrNotRegistered
	}

	c.mu.RLock()
	stale := !c.enabled() || time.Since(e.lastUpdate) >= e.ttl || e.lastUpdate.IsZero()
	val := e.value
	c.mu.RUnlock()

	if !stale {
		return val, nil
	}

	v, err, _ := c.flights.Do(c.name+"/"+key, func() (any, error) {
		newVal, err := e.refresh(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		e.value = newVal
		e.lastUpdate = time.Now()
		c.mu.Unlock()
		return newVal, nil
	})
	if err != nil {
		return nil, ErrCacheUpdateFailed
	}
	return v, nil
}

func (c *Cache) addAllOne(ctx context.Context, key string) (any, error) {
	results, err := c.addAll(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	v, ok := results[key]
	if !ok {
		return nil, errors.New("addAll did not return a value for key")
	}
	return v, nil
}

// GetMultiple resolves keys in request order, invoking the addAll
// function once for the collective set of missing/stale keys.
func (c *Cache) GetMultiple(ctx context.Context, keys []string) ([]any, error) {
	c.mu.RLock()
	var missing []string
	for _, k := range keys {
		e, ok := c.entries[k]
		if !ok || !c.enabled() || time.Since(e.lastUpdate) >= e.ttl || e.lastUpdate.IsZero() {
			missing = append(missing, k)
		}
	}
	c.mu.RUnlock()

	if len(missing) > 0 && c.addAll != nil {
		flightKey := c.name + "/addAll"
		_, err, _ := c.flights.Do(flightKey, func() (any, error) {
			results, err := c.addAll(ctx, missing)
			if err != nil {
				return nil, err
			}
			now := time.Now()
			c.mu.Lock()
			for k, v := range results {
				e, ok := c.entries[k]
				if !ok {
					e = &entry{ttl: c.addAllTTL}
					c.entries[k] = e
				}
				e.value = v
				e.lastUpdate = now
			}
			c.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, ErrCacheUpdateFailed
		}
	}

	out := make([]any, len(keys))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, k := range keys {
		if e, ok := c.entries[k]; ok {
			out[i] = e.value
		}
	}
	return out, nil
}

// Invalidate clears last-update (forcing refresh on the next Get) or, if
// newValue is provided, replaces the value directly and marks it fresh.
func (c *Cache) Invalidate(key string, newValue ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if len(newValue) > 0 {
		e.value = newValue[0]
		e.lastUpdate = time.Now()
		return
	}
	e.lastUpdate = time.Time{}
}

// InvalidateAll clears every entry's last-update timestamp.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.lastUpdate = time.Time{}
	}
}

// Sweep removes entries whose lastUpdate+ttl < now, i.e. fully expired
// (not merely stale) entries. Called by a periodic scheduler.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.lastUpdate.IsZero() {
			continue
		}
		if e.lastUpdate.Add(e.ttl).Before(now) {
			delete(c.entries, k)
		}
	}
}
