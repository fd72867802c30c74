// Package server implements the HTTP and WebSocket transport of the relay.
//
// A Server owns the origin policy, the Hub that tracks client lifecycles and
// the handlers for the chat page, the WebSocket endpoint and the health
// probe. Chat semantics live in the session package; the server only moves
// frames between sockets and the session handler.
package server
