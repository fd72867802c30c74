package backplane

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const defaultFlushTimeout = 3 * time.Second

// NATS is a Backplane over a core NATS subject. Core subscriptions carry no
// persistence, which matches the relay's at-most-once delivery.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// NATSConfig holds the connection settings of the NATS backplane.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// ConnectNATS dials the NATS server in cfg. A server that is down at startup
// is retried in the background like any later disconnect.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "nats connect %s", cfg.URL)
	}
	return nc, nil
}

// NATSSubject maps a channel name to a NATS subject; ':' separators become
// subject tokens.
func NATSSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// NewNATS returns a Backplane publishing on the subject derived from channel.
// The Backplane owns conn and drains it on Close.
func NewNATS(conn *nats.Conn, channel string) *NATS {
	return &NATS{conn: conn, subject: NATSSubject(channel)}
}

// Publish sends data on the channel subject and flushes it to the server.
func (n *NATS) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return errors.Wrapf(err, "nats publish %s", n.subject)
	}
	return nil
}

// Subscribe flushes the SUB to the server before returning.
func (n *NATS) Subscribe(ctx context.Context) (Subscription, error) {
	inbox := make(chan *nats.Msg, subscriptionBuffer)
	ns, err := n.conn.ChanSubscribe(n.subject, inbox)
	if err != nil {
		return nil, errors.Wrapf(err, "nats subscribe %s", n.subject)
	}
	if err := n.flush(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, errors.Wrapf(err, "nats subscribe %s", n.subject)
	}

	sub := newSubscription(ns.Unsubscribe)
	go func() {
		defer sub.finish()
		for {
			select {
			case msg := <-inbox:
				if !sub.forward(msg.Data) {
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// Ping requires a live connection and a server round trip.
func (n *NATS) Ping(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return errors.Errorf("nats %s", n.conn.Status())
	}
	if err := n.flush(ctx); err != nil {
		return errors.Wrap(err, "nats ping")
	}
	return nil
}

// flush round-trips to the server. FlushWithContext rejects contexts
// without a deadline, so one is supplied when missing.
func (n *NATS) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	return n.conn.FlushWithContext(ctx)
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}
