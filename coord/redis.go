package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis backed client.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Redis keeps region metadata in a hash per key and carries coherence
// traffic over PUBLISH/SUBSCRIBE.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger
}

// createIfAbsent is the compare-and-set used for first-time registration.
var createIfAbsent = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// NewRedis connects and pings the server. A failed ping is reported as
// ErrUnavailable.
func NewRedis(ctx context.Context, opts RedisOptions, log *zap.Logger) (*Redis, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable(err)
	}
	log.Debug("connected to redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &Redis{rdb: rdb, log: log}, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (r *Redis) CreateIfAbsent(ctx context.Context, key string, fields map[string]string) (bool, error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("create %q: no fields", key)
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	args := make([]interface{}, 0, 2*len(fields))
	for _, k := range names {
		args = append(args, k, fields[k])
	}
	n, err := createIfAbsent.Run(ctx, r.rdb, []string{key}, args...).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (r *Redis) Get(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return fields, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Subscribe returns once the server has confirmed the subscription, so
// messages published after it returns are not missed.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(err)
	}
	return &redisSub{ps: ps}, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(err)
	}
	return []byte(msg.Payload), nil
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}
