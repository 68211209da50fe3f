// Package server exposes the auxiliary HTTP handlers: health check, relay
// statistics and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// StatsHandler reports relay counters and the live client count as JSON.
func StatsHandler(stats *Stats, registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats.Snapshot(registry.Len()))
	}
}

// TestPageHandler serves an HTML page that connects to /ws on the same host,
// sends raw text frames and shows everything the relay delivers.
func TestPageHandler(log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if _, err := fmt.Fprint(w, testPage); err != nil {
			log.Warn().Err(err).Msg("error writing HTML response")
		}
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Relay Test</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; }
        .status { margin: 10px 0; }
    </style>
</head>
<body>
    <h1>Relay Test</h1>
    <div id="status" class="status">Disconnected</div>
    <input type="text" id="input" placeholder="Type a message..." disabled>
    <button id="send" disabled>Send</button>
    <button id="toggle">Connect</button>
    <div id="log"></div>
    <script>
        let ws = null;
        const log = document.getElementById('log');
        const input = document.getElementById('input');
        const send = document.getElementById('send');
        const toggle = document.getElementById('toggle');
        const status = document.getElementById('status');

        function append(text) {
            const line = document.createElement('div');
            line.textContent = text;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        }

        function setConnected(connected) {
            status.textContent = connected ? 'Connected' : 'Disconnected';
            input.disabled = !connected;
            send.disabled = !connected;
            toggle.textContent = connected ? 'Disconnect' : 'Connect';
        }

        toggle.onclick = function() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() { append('connected'); setConnected(true); };
            ws.onmessage = function(event) { append('< ' + event.data); };
            ws.onclose = function() { append('closed'); setConnected(false); ws = null; };
        };

        send.onclick = function() {
            if (input.value && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(input.value);
                append('> ' + input.value);
                input.value = '';
            }
        };
    </script>
</body>
</html>`
