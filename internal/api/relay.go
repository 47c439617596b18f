package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/relay"
)

// RegisterRelayRoutes mounts the endpoints the web client uses to report what
// it observes about the payment popup.
func RegisterRelayRoutes(mux *http.ServeMux, d Deps) {
	route(mux, "POST /api/relay/windows/{attemptId}/opened", "relay-window-opened", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Opened bool `json:"opened"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := d.Windows.ReportOpened(r.PathValue("attemptId"), body.Opened); err != nil {
			writeRelayError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	route(mux, "POST /api/relay/windows/{attemptId}/heartbeat", "relay-window-heartbeat", func(w http.ResponseWriter, r *http.Request) {
		closeRequested, err := d.Windows.Heartbeat(r.PathValue("attemptId"))
		if err != nil {
			writeRelayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"close": closeRequested})
	})

	route(mux, "POST /api/relay/windows/{attemptId}/closed", "relay-window-closed", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Windows.ReportClosed(r.PathValue("attemptId")); err != nil {
			writeRelayError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// The Origin header is the origin of the page relaying the message; the
	// listener checks it against the allow-list.
	route(mux, "POST /api/relay/messages", "relay-message", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AttemptID string          `json:"attempt_id"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(body.AttemptID) == "" {
			writeError(w, http.StatusBadRequest, "attempt_id is required")
			return
		}
		n := d.Hub.Publish(body.AttemptID, checkout.Message{Origin: r.Header.Get("Origin"), Data: body.Data})
		writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
	})
}

func writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrUnknownWindow):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrAlreadyOpened):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
