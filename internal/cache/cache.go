package cache

import "context"

// StatsCache stores precomputed statistics payloads. Implementations must be
// safe for concurrent use; a failing cache degrades reads, never writes.
type StatsCache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Noop is the cache used when Redis is not configured. Every read misses.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (Noop) Set(ctx context.Context, key, value string) error          { return nil }
func (Noop) Delete(ctx context.Context, key string) error              { return nil }
