package cache

import (
	"time"

	c "github.com/patrickmn/go-cache"
)

// Cache is a typed view over go-cache.
type Cache[T any] struct {
	cache *c.Cache
	ttl   time.Duration
}

// New creates a cache whose entries live for ttl. A zero ttl keeps entries
// until they are deleted.
func New[T any](ttl time.Duration) *Cache[T] {
	expiration := ttl
	if ttl == 0 {
		expiration = c.NoExpiration
	}
	return &Cache[T]{
		cache: c.New(expiration, 10*time.Minute),
		ttl:   expiration,
	}
}

func (ch *Cache[T]) Put(key string, value T) {
	ch.cache.Set(key, value, c.DefaultExpiration)
}

func (ch *Cache[T]) Get(key string) (T, bool) {
	var zero T
	v, found := ch.cache.Get(key)
	if !found {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// GetOrLoad returns the cached value or stores the one returned by load.
func (ch *Cache[T]) GetOrLoad(key string, load func() (T, error)) (T, error) {
	if v, ok := ch.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	ch.Put(key, v)
	return v, nil
}

func (ch *Cache[T]) Delete(key string) {
	ch.cache.Delete(key)
}

func (ch *Cache[T]) Len() int {
	return ch.cache.ItemCount()
}
