package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Redis is the shared Backend for horizontally scaled fleets. Every operation
// runs through a circuit breaker: when the breaker is open, writes degrade
// gracefully where the protocol tolerates loss (publish) and reads surface
// ErrUnavailable so handlers can answer with a generic error without
// tearing down the connection.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis creates the shared backend from a REDIS_URL connection string.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	rdb := redis.NewClient(opts)

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
	}

	slog.Info("Connected to Redis state backend", "addr", opts.Addr)
	return &Redis{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis"}),
	}
}

// execute funnels calls through the breaker, mapping an open breaker to
// ErrUnavailable.
func (r *Redis) execute(op func() (any, error)) (any, error) {
	res, err := r.cb.Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrUnavailable
	}
	return res, err
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := r.execute(func() (any, error) {
		v, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := r.execute(func() (any, error) {
		return nil, r.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := r.execute(func() (any, error) {
		return r.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return res.(bool), nil
}

func (r *Redis) GetDel(ctx context.Context, key string) (string, bool, error) {
	res, err := r.execute(func() (any, error) {
		v, err := r.client.GetDel(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("redis GETDEL %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	_, err := r.execute(func() (any, error) {
		return nil, r.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := r.execute(func() (any, error) {
		return nil, r.client.LPush(ctx, key, args...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", key, err)
	}
	return nil
}

func (r *Redis) RPop(ctx context.Context, key string) (string, bool, error) {
	res, err := r.execute(func() (any, error) {
		v, err := r.client.RPop(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("redis RPOP %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

func (r *Redis) LRem(ctx context.Context, key, value string) error {
	_, err := r.execute(func() (any, error) {
		// count 0 removes every occurrence
		return nil, r.client.LRem(ctx, key, 0, value).Err()
	})
	if err != nil {
		return fmt.Errorf("redis LREM %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	res, err := r.execute(func() (any, error) {
		return r.client.LLen(ctx, key).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("redis LLEN %s: %w", key, err)
	}
	return res.(int64), nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := r.execute(func() (any, error) {
		return nil, r.client.SAdd(ctx, key, args...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis SADD %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := r.execute(func() (any, error) {
		return nil, r.client.SRem(ctx, key, args...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis SREM %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := r.execute(func() (any, error) {
		return r.client.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER %s: %w", key, err)
	}
	return res.(bool), nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	res, err := r.execute(func() (any, error) {
		return r.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("redis SCARD %s: %w", key, err)
	}
	return res.(int64), nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := r.execute(func() (any, error) {
		return r.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", key, err)
	}
	return res.([]string), nil
}

// redisPipe queues writes onto a go-redis pipeliner.
type redisPipe struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(p.ctx, key, value, ttl)
}

func (p *redisPipe) Del(keys ...string) {
	p.pipe.Del(p.ctx, keys...)
}

func (p *redisPipe) LPush(key string, values ...string) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	p.pipe.LPush(p.ctx, key, args...)
}

func (p *redisPipe) LRem(key, value string) {
	p.pipe.LRem(p.ctx, key, 0, value)
}

func (p *redisPipe) SAdd(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(p.ctx, key, args...)
}

func (p *redisPipe) SRem(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SRem(p.ctx, key, args...)
}

// Tx executes the queued writes as a MULTI/EXEC transaction.
func (r *Redis) Tx(ctx context.Context, fn func(Pipe)) error {
	_, err := r.execute(func() (any, error) {
		return r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(&redisPipe{ctx: ctx, pipe: pipe})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("redis transaction: %w", err)
	}
	return nil
}

// Publish broadcasts the payload to every node subscribed to the channel.
// An open breaker drops the payload; fan-out is best-effort by contract.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := r.execute(func() (any, error) {
		return nil, r.client.Publish(ctx, channel, payload).Err()
	})
	if err == ErrUnavailable {
		slog.Warn("Redis circuit breaker open: dropping publish", "channel", channel)
		return nil
	}
	if err != nil {
		slog.Error("Redis publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine that listens for payloads published
// by other nodes. Long-lived subscriptions bypass the circuit breaker; the
// go-redis pubsub reconnects on its own.
func (r *Redis) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func([]byte)) {
	pubsub := r.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by readiness checks.
func (r *Redis) Ping(ctx context.Context) error {
	_, err := r.execute(func() (any, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
