// Package hello serves the stateless hello endpoint that runs beside the
// relay on its own port.
package hello

import (
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
)

// Handler answers GET / with a greeting naming the host.
type Handler struct {
	hostname string
	log      zerolog.Logger
}

// NewHandler resolves the hostname once. An unresolvable hostname is reported
// as "unknown".
func NewHandler(log zerolog.Logger) *Handler {
	host, err := os.Hostname()
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve hostname")
		host = "unknown"
	}
	return &Handler{hostname: host, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := fmt.Fprintf(w, "Hello World! OS: %s", h.hostname); err != nil {
		h.log.Warn().Err(err).Msg("error writing hello response")
	}
}
