package counter

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

type RedisConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
	// Expiration is how long counter keys outlive their window. Must be
	// longer than the window itself.
	Expiration time.Duration `yaml:"expiration"`
}

func (cfg *RedisConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+".endpoint", os.Getenv("REDIS_URL"), "Redis endpoint host:port. Defaults from REDIS_URL; empty disables the counter.")
	f.StringVar(&cfg.Password, prefix+".password", "", "Redis password.")
	f.IntVar(&cfg.DB, prefix+".db", 0, "Redis database.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 500*time.Millisecond, "Per-call deadline for counter operations.")
	f.DurationVar(&cfg.Expiration, prefix+".expiration", 2*time.Hour, "TTL on counter keys.")
}

// RedisStore counts spans in Redis. Every backend failure is reported as
// ErrUnavailable and a circuit breaker keeps a dead Redis from stalling the
// write path with per-request timeouts.
type RedisStore struct {
	cfg     RedisConfig
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger

	now func() time.Time
}

func NewRedisStore(cfg RedisConfig, logger log.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "counter-redis",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "counter breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &RedisStore{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *RedisStore) Check(ctx context.Context, tenant string, limit int) (*Decision, error) {
	now := s.now()
	key := fmt.Sprintf("ratelimit:%s:%d", tenant, bucket(now))

	v, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		pipe := s.client.Pipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.cfg.Expiration)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return incr.Val(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	remaining := int64(limit) - v.(int64)
	d := &Decision{
		Allowed:   remaining >= 0,
		Remaining: remaining,
		ResetAt:   resetAt(now),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

func (s *RedisStore) Record(ctx context.Context, tenant string, n int64) error {
	if n <= 0 {
		return nil
	}

	now := s.now()
	key := fmt.Sprintf("usage:%s:%d", tenant, bucket(now))

	_, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		pipe := s.client.Pipeline()
		pipe.IncrBy(ctx, key, n)
		pipe.Expire(ctx, key, s.cfg.Expiration)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
