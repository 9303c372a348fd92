package store

import (
	"context"
	"time"
)

// KV is the minimal key-value contract the relay needs from its session
// store. A missing key is reported as ok=false with a nil error; errors are
// reserved for the store itself being unreachable or misbehaving.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}
