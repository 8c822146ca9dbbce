// Package server wires HTTP handlers into a ServeMux for the WebSocket
// gateway via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all gateway
// routes: the health check and the WebSocket endpoint.
func SetupRoutes(chat *ChatServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/ws", chat.WebSocketHandler)
	return mux
}
