// Package backplane carries room broadcasts between relay instances over a
// shared publish/subscribe transport. Every instance publishes to and
// subscribes from one channel; envelopes name the room they target.
package backplane

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a closed Backplane.
var ErrClosed = errors.New("backplane: closed")

// MayHavePublished reports whether a failed Publish could still have reached
// the broker. A timeout after the request was written leaves the outcome
// unknown; dial failures and refusals do not.
func MayHavePublished(err error) bool {
	if err == nil {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Backplane is a shared broadcast transport.
type Backplane interface {
	// Publish sends data to every live subscription, including the
	// publisher's own.
	Publish(ctx context.Context, data []byte) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context) (Subscription, error)
	// Ping reports whether the transport is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers raw published messages. Messages is closed when the
// subscription ends, either through Close or because the transport went away.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

const subscriptionBuffer = 256

// subscription adapts a driver-specific message source to Subscription.
// Drivers feed it from a single goroutine via forward.
type subscription struct {
	msgs      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	release   func() error
}

func newSubscription(release func() error) *subscription {
	return &subscription{
		msgs:    make(chan []byte, subscriptionBuffer),
		done:    make(chan struct{}),
		release: release,
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.msgs
}

// forward hands data to the consumer. It returns false once the
// subscription is closed.
func (s *subscription) forward(data []byte) bool {
	select {
	case s.msgs <- data:
		return true
	case <-s.done:
		return false
	}
}

// finish is called by the feeding goroutine when its source is exhausted.
func (s *subscription) finish() {
	close(s.msgs)
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}
