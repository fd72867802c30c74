package backplane

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a Backplane over Redis Pub/Sub on a single channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// RedisConfig holds the connection settings of the Redis backplane.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// NewRedisClient builds a go-redis client for cfg without dialing.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		ContextTimeoutEnabled: true,
	})
}

// NewRedis returns a Backplane publishing on channel through client. The
// Backplane owns client and closes it on Close.
func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// Publish issues PUBLISH on the channel.
func (r *Redis) Publish(ctx context.Context, data []byte) error {
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", r.channel)
	}
	return nil
}

// Subscribe waits for the SUBSCRIBE confirmation before returning, so a
// message published afterwards is guaranteed to be seen.
func (r *Redis) Subscribe(ctx context.Context) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "redis subscribe %s", r.channel)
	}

	sub := newSubscription(ps.Close)
	ch := ps.Channel()
	go func() {
		defer sub.finish()
		for msg := range ch {
			if !sub.forward([]byte(msg.Payload)) {
				return
			}
		}
	}()
	return sub, nil
}

// Ping issues PING.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
