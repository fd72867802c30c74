package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomrelay/internal/backplane"
	"github.com/Tyrowin/roomrelay/internal/presence"
)

type stubChecker struct {
	err error
}

func (s stubChecker) Check(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("health check without deadline")
	}
	return s.err
}

type nopSessions struct{}

func (nopSessions) Connect(presence.Conn) error                   { return nil }
func (nopSessions) Handle(context.Context, presence.Conn, []byte) {}
func (nopSessions) Disconnect(context.Context, string)            {}

func newHandlerServer(health HealthChecker) *Server {
	return New(*NewConfig(), nopSessions{}, health, zap.NewNop())
}

// TestHealthHandler verifies the healthy and unhealthy responses.
func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newHandlerServer(stubChecker{})
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"status":"healthy","redis":"connected"}`, rec.Body.String())
	})

	t.Run("healthy names the backplane", func(t *testing.T) {
		cfg := NewConfig()
		cfg.Backplane = backplane.KindNATS
		srv := New(*cfg, nopSessions{}, stubChecker{}, zap.NewNop())
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy","nats":"connected"}`, rec.Body.String())
	})

	t.Run("unhealthy", func(t *testing.T) {
		srv := newHandlerServer(stubChecker{err: errors.New("dial tcp 127.0.0.1:6379: connection refused")})
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unhealthy", body["status"])
		assert.Contains(t, body["error"], "connection refused")
	})
}

// TestChatPageHandler verifies the chat page is served at the root only.
func TestChatPageHandler(t *testing.T) {
	srv := newHandlerServer(stubChecker{})

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "Room Relay")
	assert.Contains(t, rec.Body.String(), "'/ws'")

	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestWebSocketHandlerRejectsBadRequests verifies non-upgrade requests.
func TestWebSocketHandlerRejectsBadRequests(t *testing.T) {
	srv := newHandlerServer(stubChecker{})

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ws", strings.NewReader("x")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestCreateServer verifies the production timeouts.
func TestCreateServer(t *testing.T) {
	mux := http.NewServeMux()
	s := CreateServer(":0", mux)

	assert.Equal(t, ":0", s.Addr)
	assert.Same(t, mux, s.Handler)
	assert.NotZero(t, s.ReadTimeout)
	assert.NotZero(t, s.WriteTimeout)
	assert.NotZero(t, s.IdleTimeout)
}

// TestClientSendEvictsWhenFull verifies the non-blocking send contract.
func TestClientSendEvictsWhenFull(t *testing.T) {
	c := NewClient(nil, nil, "127.0.0.1:1", 0, 1)
	assert.NotEmpty(t, c.ID())

	require.NoError(t, c.Send([]byte(`one`)))
	assert.ErrorIs(t, c.Send([]byte(`two`)), ErrSendBufferFull)
	assert.ErrorIs(t, c.Send([]byte(`three`)), ErrClientClosed)

	msg, ok := <-c.GetSendChan()
	assert.True(t, ok)
	assert.Equal(t, []byte(`one`), msg)
	_, ok = <-c.GetSendChan()
	assert.False(t, ok)

	c.closeSend()
}
