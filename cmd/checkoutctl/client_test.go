package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
)

// fakeAPI walks one attempt through opening, awaiting and resolved as the
// client reports the window and sends heartbeats.
type fakeAPI struct {
	mu         sync.Mutex
	status     outcome.AttemptStatus
	heartbeats int
	origin     string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.origin = r.Header.Get("Origin")
	switch r.URL.Path {
	case "/api/donations/att_1":
		body := map[string]any{"attempt_id": "att_1", "status": f.status}
		if f.status == outcome.AttemptOpening {
			body["open_window"] = map[string]string{"url": "https://pay.example/1", "features": "popup=yes"}
		}
		_ = json.NewEncoder(w).Encode(body)
	case "/api/relay/windows/att_1/opened":
		f.status = outcome.AttemptAwaiting
		w.WriteHeader(http.StatusNoContent)
	case "/api/relay/windows/att_1/heartbeat":
		f.heartbeats++
		if f.heartbeats == 2 {
			f.status = outcome.AttemptResolved
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"close": false})
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func TestFollow_ActsAsBrowserUntilResolved(t *testing.T) {
	api := &fakeAPI{status: outcome.AttemptOpening}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newAPIClient(srv.URL, "http://localhost:5173")
	var seen []outcome.AttemptStatus
	view, err := c.follow(context.Background(), "att_1", time.Millisecond, func(v attemptView) {
		seen = append(seen, v.Status)
	})
	require.NoError(t, err)

	assert.Equal(t, outcome.AttemptResolved, view.Status)
	assert.Equal(t, []outcome.AttemptStatus{outcome.AttemptOpening, outcome.AttemptAwaiting, outcome.AttemptResolved}, seen)
	assert.Equal(t, "http://localhost:5173", api.origin)
}

func TestClient_SurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{})
	defer srv.Close()

	_, err := newAPIClient(srv.URL, "").status(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
