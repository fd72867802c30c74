// Package testhelpers provides common utilities for tests that exercise the
// relay over real HTTP and WebSocket connections.
package testhelpers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request with a 5-second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the TestOrigin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header, or none
// when origin is empty. The handshake response is returned for status checks.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and registers the connection for cleanup.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes a protocol frame with the given event and data.
func SendFrame(t *testing.T, conn *websocket.Conn, event protocol.Event, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to marshal %s data: %v", event, err)
	}
	frame, err := json.Marshal(protocol.Frame{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("Failed to marshal %s frame: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to send %s frame: %v", event, err)
	}
}

// ReadFrame reads the next frame, failing the test after timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Failed to decode frame %q: %v", raw, err)
	}
	return frame
}

// ReadMatching reads frames until done reports true, failing the test after
// three seconds. Every frame read is passed to done.
func ReadMatching(t *testing.T, conn *websocket.Conn, done func(protocol.Frame) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for frames")
		}
		if done(ReadFrame(t, conn, remaining)) {
			return
		}
	}
}

// ReadUntil reads frames until one named event arrives and decodes its data
// into v. Frames of other events are skipped.
func ReadUntil(t *testing.T, conn *websocket.Conn, event protocol.Event, v any) {
	t.Helper()
	ReadMatching(t, conn, func(frame protocol.Frame) bool {
		if frame.Event != event {
			return false
		}
		if v != nil {
			DecodeData(t, frame, v)
		}
		return true
	})
}

// ReadEvents reads until every named event has arrived at least once and
// returns the latest frame of each. Arrival order does not matter.
func ReadEvents(t *testing.T, conn *websocket.Conn, events ...protocol.Event) map[protocol.Event]protocol.Frame {
	t.Helper()
	seen := make(map[protocol.Event]protocol.Frame, len(events))
	ReadMatching(t, conn, func(frame protocol.Frame) bool {
		if contains(events, frame.Event) {
			seen[frame.Event] = frame
		}
		return len(seen) == len(events)
	})
	return seen
}

// DecodeData unmarshals a frame payload into v.
func DecodeData(t *testing.T, frame protocol.Frame, v any) {
	t.Helper()
	if err := json.Unmarshal(frame.Data, v); err != nil {
		t.Fatalf("Failed to decode %s data: %v", frame.Event, err)
	}
}

// ExpectNoFrame fails if a frame other than one in ignore arrives within
// timeout. A timed-out websocket read is permanent, so this must be the last
// read on conn.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration, ignore ...protocol.Event) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.Fatalf("Unexpected error while waiting for absence of frames: %v", err)
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("Received undecodable frame %q", raw)
		}
		if !contains(ignore, frame.Event) {
			t.Fatalf("Expected no frame, received %s: %s", frame.Event, frame.Data)
		}
	}
}

func contains(events []protocol.Event, e protocol.Event) bool {
	for _, x := range events {
		if x == e {
			return true
		}
	}
	return false
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
