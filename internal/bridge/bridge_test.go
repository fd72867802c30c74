package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomrelay/internal/backplane"
	"github.com/Tyrowin/roomrelay/internal/presence"
	"github.com/Tyrowin/roomrelay/internal/protocol"
)

type mockConn struct {
	id       string
	mu       sync.Mutex
	received [][]byte
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) getReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received...)
}

// flakyBackplane wraps Memory with injectable failures.
type flakyBackplane struct {
	*backplane.Memory

	mu            sync.Mutex
	publishErr    error
	pingErr       error
	subscribeErrs int
	subscribes    int
}

func (f *flakyBackplane) Publish(ctx context.Context, data []byte) error {
	f.mu.Lock()
	err := f.publishErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Memory.Publish(ctx, data)
}

func (f *flakyBackplane) Subscribe(ctx context.Context) (backplane.Subscription, error) {
	f.mu.Lock()
	f.subscribes++
	if f.subscribeErrs > 0 {
		f.subscribeErrs--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.Memory.Subscribe(ctx)
}

func (f *flakyBackplane) Ping(ctx context.Context) error {
	f.mu.Lock()
	err := f.pingErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Memory.Ping(ctx)
}

func (f *flakyBackplane) set(fn func(*flakyBackplane)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type instance struct {
	dir    *presence.Directory
	bridge *Bridge
}

func startInstance(t *testing.T, bp backplane.Backplane, name string) *instance {
	t.Helper()
	dir := presence.NewDirectory()
	b := New(bp, dir, Options{
		Instance:           name,
		PublishTimeout:     200 * time.Millisecond,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  40 * time.Millisecond,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	})

	select {
	case <-b.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never subscribed")
	}
	return &instance{dir: dir, bridge: b}
}

func (in *instance) join(t *testing.T, id, room string) *mockConn {
	t.Helper()
	conn := &mockConn{id: id}
	require.NoError(t, in.dir.Connect(conn))
	_, err := in.dir.Join(id, id, room)
	require.NoError(t, err)
	return conn
}

func waitReceived(t *testing.T, conn *mockConn, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.getReceived()) >= n },
		2*time.Second, 5*time.Millisecond, "connection %s expected %d frames", conn.id, n)
	return conn.getReceived()
}

// TestBridgeCrossInstanceDelivery publishes on instance A and expects a
// member of the same room on instance B to receive the identical frame.
func TestBridgeCrossInstanceDelivery(t *testing.T) {
	bp := backplane.NewMemory()
	a := startInstance(t, bp, "a")
	b := startInstance(t, bp, "b")

	sender := a.join(t, "bob", "x")
	remote := b.join(t, "carol", "x")
	elsewhere := b.join(t, "dave", "y")

	frame, err := protocol.Encode(protocol.EventMessage, protocol.ChatMessage{Username: "bob", Message: "hi", Room: "x"})
	require.NoError(t, err)

	a.bridge.Publish(context.Background(), protocol.EventMessage, "x", frame, "")

	assert.Equal(t, [][]byte{frame}, waitReceived(t, remote, 1))
	assert.Equal(t, [][]byte{frame}, waitReceived(t, sender, 1))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, elsewhere.getReceived())
}

// TestBridgeSenderExclusion verifies that the excluded connection is skipped
// while other members still receive the frame.
func TestBridgeSenderExclusion(t *testing.T) {
	bp := backplane.NewMemory()
	a := startInstance(t, bp, "a")

	first := a.join(t, "c1", "general")
	second := a.join(t, "c2", "general")

	frame, err := protocol.Encode(protocol.EventTyping, protocol.Typing{Username: "c1"})
	require.NoError(t, err)
	a.bridge.Publish(context.Background(), protocol.EventTyping, "general", frame, "c1")

	waitReceived(t, second, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, first.getReceived())
}

// TestBridgeUserCountReachesEveryone verifies that a roomless user_count is
// delivered to all connections on every instance.
func TestBridgeUserCountReachesEveryone(t *testing.T) {
	bp := backplane.NewMemory()
	a := startInstance(t, bp, "a")
	b := startInstance(t, bp, "b")

	inRoom := a.join(t, "c1", "general")
	lobby := &mockConn{id: "c2"}
	require.NoError(t, b.dir.Connect(lobby))

	frame, err := protocol.Encode(protocol.EventUserCount, protocol.UserCount{Count: 2})
	require.NoError(t, err)
	b.bridge.Publish(context.Background(), protocol.EventUserCount, "", frame, "")

	waitReceived(t, inRoom, 1)
	waitReceived(t, lobby, 1)
}

// TestBridgePublishFailureFallsBackToLocal verifies graceful degradation:
// local members still receive the frame and the probe reports unhealthy.
func TestBridgePublishFailureFallsBackToLocal(t *testing.T) {
	bp := &flakyBackplane{Memory: backplane.NewMemory()}
	a := startInstance(t, bp, "a")
	member := a.join(t, "c1", "room")
	require.NoError(t, a.bridge.Check(context.Background()))

	outage := errors.New("redis: connection refused")
	bp.set(func(f *flakyBackplane) {
		f.publishErr = outage
		f.pingErr = outage
	})

	frame, err := protocol.Encode(protocol.EventMessage, protocol.ChatMessage{Username: "u", Message: "m", Room: "room"})
	require.NoError(t, err)
	a.bridge.Publish(context.Background(), protocol.EventMessage, "room", frame, "")

	assert.Equal(t, [][]byte{frame}, member.getReceived())
	assert.ErrorIs(t, a.bridge.LastError(), outage)
	assert.ErrorIs(t, a.bridge.Check(context.Background()), outage)

	bp.set(func(f *flakyBackplane) {
		f.publishErr = nil
		f.pingErr = nil
	})
	assert.NoError(t, a.bridge.Check(context.Background()))
	assert.NoError(t, a.bridge.LastError())
}

// TestBridgeRetriesSubscribe verifies the backoff loop eventually subscribes.
func TestBridgeRetriesSubscribe(t *testing.T) {
	bp := &flakyBackplane{Memory: backplane.NewMemory(), subscribeErrs: 3}
	a := startInstance(t, bp, "a")

	bp.set(func(f *flakyBackplane) {
		assert.Equal(t, 4, f.subscribes)
	})
	assert.NoError(t, a.bridge.Check(context.Background()))
}

// TestBridgeCheckBeforeSubscribe verifies the probe is unhealthy until the
// subscription is live.
func TestBridgeCheckBeforeSubscribe(t *testing.T) {
	b := New(backplane.NewMemory(), presence.NewDirectory(), Options{}, nil)
	assert.ErrorIs(t, b.Check(context.Background()), ErrNotSubscribed)
}

// TestBridgeDropsMalformedMessages verifies that garbage on the channel is
// ignored and the loop keeps running.
func TestBridgeDropsMalformedMessages(t *testing.T) {
	bp := backplane.NewMemory()
	a := startInstance(t, bp, "a")
	member := a.join(t, "c1", "room")

	require.NoError(t, bp.Publish(context.Background(), []byte(`garbage`)))
	require.NoError(t, bp.Publish(context.Background(), []byte(`{"event_type":"system_message","room":"room","payload":{}}`)))

	frame, err := protocol.Encode(protocol.EventMessage, protocol.ChatMessage{Username: "u", Message: "m", Room: "room"})
	require.NoError(t, err)
	a.bridge.Publish(context.Background(), protocol.EventMessage, "room", frame, "")

	assert.Equal(t, [][]byte{frame}, waitReceived(t, member, 1))
}

// TestBridgeResubscribesAfterLoss closes the transport under a running
// bridge and expects the probe to turn unhealthy.
func TestBridgeResubscribesAfterLoss(t *testing.T) {
	bp := backplane.NewMemory()
	a := startInstance(t, bp, "a")
	require.NoError(t, bp.Close())

	require.Eventually(t, func() bool {
		return a.bridge.Check(context.Background()) != nil
	}, 2*time.Second, 5*time.Millisecond)
}

// TestBridgeStalledPeerNoDuplicates verifies that a peer subscription nobody
// drains neither duplicates local delivery nor slows the publisher.
func TestBridgeStalledPeerNoDuplicates(t *testing.T) {
	bp := backplane.NewMemory()
	a := startInstance(t, bp, "a")
	member := a.join(t, "c1", "x")

	stalled, err := bp.Subscribe(context.Background())
	require.NoError(t, err)
	defer stalled.Close()

	frame, err := protocol.Encode(protocol.EventMessage, protocol.ChatMessage{Username: "u", Message: "m", Room: "x"})
	require.NoError(t, err)

	const sends = 600
	start := time.Now()
	for i := 0; i < sends; i++ {
		a.bridge.Publish(context.Background(), protocol.EventMessage, "x", frame, "")
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, len(member.getReceived()), sends)
	assert.NoError(t, a.bridge.LastError())
}

// TestBridgeAmbiguousPublishSkipsFallback verifies that a publish which timed
// out after being written is not delivered locally a second time.
func TestBridgeAmbiguousPublishSkipsFallback(t *testing.T) {
	bp := &flakyBackplane{Memory: backplane.NewMemory()}
	a := startInstance(t, bp, "a")
	member := a.join(t, "c1", "room")

	bp.set(func(f *flakyBackplane) { f.publishErr = context.DeadlineExceeded })

	frame, err := protocol.Encode(protocol.EventMessage, protocol.ChatMessage{Username: "u", Message: "m", Room: "room"})
	require.NoError(t, err)
	a.bridge.Publish(context.Background(), protocol.EventMessage, "room", frame, "")

	assert.Empty(t, member.getReceived())
	assert.ErrorIs(t, a.bridge.LastError(), context.DeadlineExceeded)
}
