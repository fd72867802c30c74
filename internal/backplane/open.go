package backplane

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind selects a Backplane driver.
type Kind string

// Supported backplane drivers.
const (
	KindRedis  Kind = "redis"
	KindNATS   Kind = "nats"
	KindMemory Kind = "memory"
)

// Options configures Open.
type Options struct {
	Kind    Kind
	Channel string
	Redis   RedisConfig
	NATS    NATSConfig
	// DialTimeout bounds the initial reachability check.
	DialTimeout time.Duration
	// PresenceTTL expires fleet count entries that stop being refreshed.
	PresenceTTL time.Duration
}

// Open builds the Backplane selected by opts together with the fleet
// presence Counter it supports, which is nil for NATS. An unreachable broker
// at startup is logged, not fatal: the relay keeps serving local rooms and
// reports unhealthy until the broker answers.
func Open(ctx context.Context, opts Options, log *zap.Logger) (Backplane, Counter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}

	switch opts.Kind {
	case KindRedis:
		client := NewRedisClient(opts.Redis)
		bp := NewRedis(client, opts.Channel)
		pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
		if err := bp.Ping(pingCtx); err != nil {
			log.Warn("redis backplane unreachable at startup", zap.String("addr", opts.Redis.Addr()), zap.Error(err))
		}
		return bp, NewRedisCounter(client, opts.Channel, opts.PresenceTTL), nil

	case KindNATS:
		conn, err := ConnectNATS(opts.NATS)
		if err != nil {
			return nil, nil, err
		}
		return NewNATS(conn, opts.Channel), nil, nil

	case KindMemory:
		return NewMemory(), NewMemoryCounter(), nil
	}
	return nil, nil, errors.Errorf("unknown backplane kind %q", opts.Kind)
}
