// Package bridge connects the local room directory to the shared backplane.
// Room broadcasts are published for every instance, the publisher included,
// and the subscription loop hands whatever arrives to local room members.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomrelay/internal/backplane"
	"github.com/Tyrowin/roomrelay/internal/presence"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// ErrNotSubscribed is reported by Check while no subscription is live.
var ErrNotSubscribed = errors.New("bridge: backplane subscription down")

// Options tunes a Bridge. Zero values select the defaults.
type Options struct {
	// Instance identifies this relay in published envelopes.
	Instance string
	// PublishTimeout bounds each publish.
	PublishTimeout time.Duration
	// ReconnectBaseDelay is the first wait before resubscribing; it doubles
	// up to ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// Defaults applied to zero Options fields.
const (
	DefaultPublishTimeout     = 2 * time.Second
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
)

func (o *Options) applyDefaults() {
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		o.ReconnectMaxDelay = DefaultReconnectMaxDelay
		if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
			o.ReconnectMaxDelay = o.ReconnectBaseDelay
		}
	}
}

// Bridge is the Broadcast Bridge of one instance.
type Bridge struct {
	bp   backplane.Backplane
	dir  *presence.Directory
	opts Options
	log  *zap.Logger

	mu         sync.RWMutex
	subscribed bool
	lastErr    error

	ready     chan struct{}
	readyOnce sync.Once
}

// New returns a Bridge delivering into dir. Run must be started for remote
// traffic, and the instance's own publishes, to reach local members.
func New(bp backplane.Backplane, dir *presence.Directory, opts Options, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	opts.applyDefaults()
	return &Bridge{
		bp:    bp,
		dir:   dir,
		opts:  opts,
		log:   log,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the first subscription is live.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Publish broadcasts frame to room on every instance, skipping the connection
// except. When the backplane cannot take the message within the publish
// timeout, the frame is delivered to local members only, unless the message
// may already be on the backplane.
func (b *Bridge) Publish(ctx context.Context, event protocol.Event, room string, frame []byte, except string) {
	data, err := backplane.Encode(backplane.Envelope{
		Event:   event,
		Room:    room,
		Origin:  b.opts.Instance,
		Except:  except,
		Payload: frame,
	})
	if err != nil {
		b.log.Error("dropping unpublishable event", zap.String("event", string(event)), zap.String("room", room), zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()

	if err := b.bp.Publish(pubCtx, data); err != nil {
		b.setErr(err)
		if backplane.MayHavePublished(err) {
			b.log.Warn("backplane publish outcome unknown; not delivering locally",
				zap.String("event", string(event)),
				zap.String("room", room),
				zap.Error(err))
			return
		}
		delivered := b.deliver(event, room, frame, except)
		b.log.Warn("backplane publish failed; delivered locally only",
			zap.String("event", string(event)),
			zap.String("room", room),
			zap.Int("delivered", delivered),
			zap.Error(err))
	}
}

// Run keeps a backplane subscription open until ctx is cancelled,
// resubscribing with exponential backoff whenever it is lost.
func (b *Bridge) Run(ctx context.Context) error {
	wait := b.opts.ReconnectBaseDelay

	for {
		sub, err := b.bp.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.setErr(err)
			b.log.Warn("backplane subscribe failed", zap.Duration("retry_in", wait), zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			wait *= 2
			if wait > b.opts.ReconnectMaxDelay {
				wait = b.opts.ReconnectMaxDelay
			}
			continue
		}

		wait = b.opts.ReconnectBaseDelay
		b.setSubscribed(true)
		b.log.Info("backplane subscription live", zap.String("instance", b.opts.Instance))

		lost := b.consume(ctx, sub)
		b.setSubscribed(false)
		if err := sub.Close(); err != nil && ctx.Err() == nil {
			b.log.Debug("closing backplane subscription", zap.Error(err))
		}
		if !lost {
			return nil
		}
		b.setErr(ErrNotSubscribed)
		b.log.Warn("backplane subscription lost; resubscribing")
	}
}

// consume dispatches messages until ctx ends (false) or the subscription
// closes (true).
func (b *Bridge) consume(ctx context.Context, sub backplane.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case data, ok := <-sub.Messages():
			if !ok {
				return true
			}
			b.receive(data)
		}
	}
}

func (b *Bridge) receive(data []byte) {
	env, err := backplane.Decode(data)
	if err != nil {
		b.log.Warn("dropping malformed backplane message", zap.Error(err))
		return
	}
	b.deliver(env.Event, env.Room, env.Payload, env.Except)
}

// deliver hands a frame to local connections. user_count without a room goes
// to everyone on the instance.
func (b *Bridge) deliver(event protocol.Event, room string, frame []byte, except string) int {
	if room == "" && event == protocol.EventUserCount {
		return b.dir.DeliverAll(frame)
	}
	return b.dir.DeliverLocal(room, frame, except)
}

// Check is the liveness probe: it pings the backplane and requires a live
// subscription. The returned error carries the reason when unhealthy.
func (b *Bridge) Check(ctx context.Context) error {
	if err := b.bp.Ping(ctx); err != nil {
		b.setErr(err)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.subscribed {
		if b.lastErr != nil {
			return b.lastErr
		}
		return ErrNotSubscribed
	}
	b.lastErr = nil
	return nil
}

// LastError returns the most recent backplane failure not yet cleared by a
// healthy Check.
func (b *Bridge) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}

func (b *Bridge) setSubscribed(v bool) {
	b.mu.Lock()
	b.subscribed = v
	if v {
		b.lastErr = nil
	}
	b.mu.Unlock()

	if v {
		b.readyOnce.Do(func() { close(b.ready) })
	}
}
