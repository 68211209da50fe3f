package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	w := httptest.NewRecorder()
	HealthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, "Relay server is running!", w.Body.String())
}

func TestTestPageHandler(t *testing.T) {
	h := TestPageHandler(zerolog.Nop())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "/ws")

	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes(t *testing.T) {
	_, ts := startTestServer(t, nil)

	tests := []struct {
		path     string
		wantCode int
		wantType string
	}{
		{path: "/health", wantCode: http.StatusOK, wantType: "text/plain"},
		{path: "/stats", wantCode: http.StatusOK, wantType: "application/json"},
		{path: "/", wantCode: http.StatusOK, wantType: "text/html"},
		{path: "/missing", wantCode: http.StatusNotFound},
		{path: "/ws", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			_, _ = io.Copy(io.Discard, resp.Body)

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.wantType != "" {
				assert.Contains(t, resp.Header.Get("Content-Type"), tt.wantType)
			}
		})
	}
}
