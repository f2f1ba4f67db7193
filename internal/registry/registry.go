// Package registry provides the keyed template cache shared by all database
// provider variants. For any key it guarantees at most one builder execution
// at a time: concurrent callers with the same key block on a single build and
// all receive the same result, while distinct keys build fully in parallel.
// Successful results are cached for the lifetime of the registry; failures
// are propagated to every waiter and never cached, so the next request for
// the same key retries the build.
package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry is a concurrent build-once cache keyed by string. The zero value
// is not usable; call New.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T

	group singleflight.Group
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

// GetOrBuild returns the cached value for key, building it with build if
// absent. The builder runs under the context of the caller that triggered
// it; callers that merely wait share its outcome. A builder error is
// returned to all waiters and leaves the key buildable.
func (r *Registry[T]) GetOrBuild(ctx context.Context, key string, build func(context.Context) (T, error)) (T, error) {
	r.mu.RLock()
	v, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check inside the flight: a previous flight may have populated
		// the cache between our read and the Do call.
		r.mu.RLock()
		v, ok := r.entries[key]
		r.mu.RUnlock()
		if ok {
			return v, nil
		}

		built, err := build(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.entries[key] = built
		r.mu.Unlock()
		return built, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Get returns the cached value for key without building.
func (r *Registry[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Delete removes key from the cache. In-flight builds are unaffected; their
// result will repopulate the cache.
func (r *Registry[T]) Delete(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for each cached entry until fn returns false. The snapshot
// is taken under the read lock, so fn itself runs unlocked and may call back
// into the registry.
func (r *Registry[T]) Range(fn func(key string, value T) bool) {
	r.mu.RLock()
	snapshot := make(map[string]T, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}
