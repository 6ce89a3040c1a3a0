package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInFlight reports that another request holds the idempotency key.
var ErrInFlight = errors.New("idempotent request still in flight")

const pendingMarker = "\x00pending"

// Idempotency replays stored responses for requests carrying the same key.
type Idempotency struct {
	cache Cache
	ttl   time.Duration
}

func NewIdempotency(c Cache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Idempotency{cache: c, ttl: ttl}
}

func idemKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// Begin claims key. It returns the stored response when the request already
// completed, ErrInFlight while the first caller is still working, and
// (nil, nil) when the caller now owns the key and must call Complete or Abort.
func (i *Idempotency) Begin(ctx context.Context, scope, key string) ([]byte, error) {
	k := idemKey(scope, key)
	claimed, err := i.cache.SetNX(ctx, k, pendingMarker, i.ttl)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}
	val, err := i.cache.Get(ctx, k)
	if errors.Is(err, ErrCacheMiss) {
		// Expired between SetNX and Get; retry the claim once.
		if ok, err := i.cache.SetNX(ctx, k, pendingMarker, i.ttl); err == nil && ok {
			return nil, nil
		}
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if val == pendingMarker {
		return nil, ErrInFlight
	}
	return []byte(val), nil
}

func (i *Idempotency) Complete(ctx context.Context, scope, key string, body []byte) error {
	return i.cache.Set(ctx, idemKey(scope, key), string(body), i.ttl)
}

// Abort releases a claimed key so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, scope, key string) error {
	return i.cache.Del(ctx, idemKey(scope, key))
}
