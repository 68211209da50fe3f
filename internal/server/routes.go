// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// SetupRoutes configures and returns an HTTP ServeMux with all relay routes:
// the WebSocket endpoint, health check, statistics and test page. WebSocket
// handshakes are accepted on every path not claimed by another route, so
// clients dialing the bare host keep working.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.listener)
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/stats", StatsHandler(s.stats, s.registry))
	mux.Handle("/", upgradeOr(s.listener, TestPageHandler(s.log)))
	return mux
}

// upgradeOr sends WebSocket handshakes to ws and everything else to next.
func upgradeOr(ws, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
