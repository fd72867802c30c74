// Package server defines shared errors and utility helpers that are reused
// across client and hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrSendBufferFull is returned by Client.Send when the client is too slow
	// to drain its queue. The client is evicted.
	ErrSendBufferFull = errors.New("server: client send buffer full")
	// ErrClientClosed is returned by Client.Send after the client was closed.
	ErrClientClosed = errors.New("server: client closed")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
