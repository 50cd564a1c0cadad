package jobqueue

import (
	"context"
	"math"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

// DefaultPrefix namespaces queue keys in Redis.
const DefaultPrefix = "dbcache:queue"

// Redis keeps each named queue in a Redis list: LPUSH to enqueue,
// BRPOP to dequeue.
type Redis struct {
	pool   *redis.Pool
	prefix string
}

var _ Queue = (*Redis)(nil)

// NewRedis returns a queue over pool. An empty prefix means DefaultPrefix.
func NewRedis(pool *redis.Pool, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{pool: pool, prefix: prefix}
}

// NewPool returns a connection pool for the Redis server at addr.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
}

func (q *Redis) key(name string) string { return q.prefix + ":" + name }

func (q *Redis) Enqueue(ctx context.Context, name string, payload []byte) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "jobqueue: establishing connection")
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "LPUSH", q.key(name), payload); err != nil {
		return errors.Wrapf(err, "jobqueue: enqueue %q", name)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: establishing connection")
	}
	defer conn.Close()

	// BRPOP takes whole seconds; 0 would block forever.
	secs := int64(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	reply, err := redis.ByteSlices(redis.DoContext(conn, ctx, "BRPOP", q.key(name), secs))
	switch {
	case errors.Is(err, redis.ErrNil):
		return nil, ErrEmpty
	case err != nil:
		return nil, errors.Wrapf(err, "jobqueue: dequeue %q", name)
	case len(reply) != 2:
		return nil, errors.Errorf("jobqueue: dequeue %q: unexpected reply of %d elements", name, len(reply))
	}
	return reply[1], nil
}

func (q *Redis) Len(ctx context.Context, name string) (int, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "jobqueue: establishing connection")
	}
	defer conn.Close()

	n, err := redis.Int(redis.DoContext(conn, ctx, "LLEN", q.key(name)))
	return n, errors.Wrapf(err, "jobqueue: len %q", name)
}
