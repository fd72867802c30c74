// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import "net/http"

// Routes returns a ServeMux with the chat page, the WebSocket endpoint and
// the health probe.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ChatPageHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}
