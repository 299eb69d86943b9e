package strategies

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCursorPrefix prefixes round-robin cursor keys in Redis.
const DefaultCursorPrefix = "llmux:lb:rr:"

// DefaultCursorTTL is how long an idle route keeps its cursor in Redis.
const DefaultCursorTTL = 24 * time.Hour

// CursorStore holds round-robin cursors shared by every selection on a route.
type CursorStore interface {
	// NextIndex advances the cursor of route by one and returns the position
	// it pointed at, modulo size. A call that returns an error has not
	// advanced the cursor.
	NextIndex(ctx context.Context, route string, size int) (int, error)

	// Reset rewinds the cursor of route to the first position.
	Reset(ctx context.Context, route string) error

	// Close releases any resources held by the store.
	Close() error
}

// MemoryCursorStore keeps cursors in process.
type MemoryCursorStore struct {
	cursors sync.Map // route -> *atomic.Uint64
}

// NewMemoryCursorStore creates an empty in-process cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{}
}

// NextIndex advances the cursor of route.
func (m *MemoryCursorStore) NextIndex(ctx context.Context, route string, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("cursor size must be positive, got %d", size)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, _ := m.cursors.LoadOrStore(route, new(atomic.Uint64))
	pos := v.(*atomic.Uint64).Add(1) - 1
	// #nosec G115 -- size bounds the value; result fits in int.
	return int(pos % uint64(size)), nil
}

// Reset rewinds the cursor of route.
func (m *MemoryCursorStore) Reset(_ context.Context, route string) error {
	m.cursors.Delete(route)
	return nil
}

// Close is a no-op.
func (m *MemoryCursorStore) Close() error {
	return nil
}

// advanceScript increments a cursor, refreshes its TTL and returns the
// previous position modulo ARGV[2] in one round trip.
var advanceScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return (n - 1) % tonumber(ARGV[2])
`)

// RedisCursorStore keeps cursors in Redis so that several balancer
// instances rotate through a route together.
type RedisCursorStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisCursorOption configures a RedisCursorStore.
type RedisCursorOption func(*RedisCursorStore)

// WithCursorPrefix sets the key prefix (default: DefaultCursorPrefix).
func WithCursorPrefix(prefix string) RedisCursorOption {
	return func(r *RedisCursorStore) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithCursorTTL sets how long an idle cursor survives (default: DefaultCursorTTL).
func WithCursorTTL(ttl time.Duration) RedisCursorOption {
	return func(r *RedisCursorStore) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRedisCursorStore creates a cursor store on client.
func NewRedisCursorStore(client redis.UniversalClient, opts ...RedisCursorOption) *RedisCursorStore {
	r := &RedisCursorStore{
		client: client,
		prefix: DefaultCursorPrefix,
		ttl:    DefaultCursorTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NextIndex advances the cursor of route. Cancellation is only observed
// before the script is sent: once Redis may have applied the increment, the
// reply is awaited regardless of ctx so that a committed advance is never
// reported as a failure.
func (r *RedisCursorStore) NextIndex(ctx context.Context, route string, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("cursor size must be positive, got %d", size)
	}
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pos, err := advanceScript.Run(context.WithoutCancel(ctx), r.client,
		[]string{r.prefix + route}, r.ttl.Milliseconds(), size).Int64()
	if err != nil {
		return 0, fmt.Errorf("advance cursor %q: %w", route, err)
	}
	return int(pos), nil
}

// Reset rewinds the cursor of route.
func (r *RedisCursorStore) Reset(ctx context.Context, route string) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Del(ctx, r.prefix+route).Err()
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisCursorStore) Close() error {
	return nil
}
