package api

import (
	"encoding/json"
	"log"
	"net/http"
	"slices"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/events"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/relay"
)

// Deps are the collaborators the HTTP routes need.
type Deps struct {
	Coordinator    Coordinator
	Attempts       outcome.AttemptStore
	Windows        *relay.Windows
	Hub            *relay.Hub
	Publisher      events.Publisher
	PaymentsTopic  string
	CallbackToken  string
	AllowedOrigins []string
	Logger         *log.Logger
}

// NewHandler mounts every route on a fresh mux wrapped in CORS.
func NewHandler(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))
	RegisterDonationRoutes(mux, d)
	RegisterRelayRoutes(mux, d)
	RegisterWebhookRoutes(mux, d)
	return withCORS(d.AllowedOrigins, mux)
}

func route(mux *http.ServeMux, pattern, operation string, fn http.HandlerFunc) {
	mux.Handle(pattern, otelhttp.NewHandler(fn, operation))
}

// withCORS allows the donation frontends to call the API. Without configured
// origins every origin is allowed, which is what local development wants.
func withCORS(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(origins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
