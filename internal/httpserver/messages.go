package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"leadcast/internal/domain"
	"leadcast/internal/inbound"
)

// Messages is the JSON message logger: trusted internal callers post
// message and status events in the provider-neutral shape.
type Messages struct {
	Ingest   Ingestor
	AdminKey string
}

func (m *Messages) Register(r *mux.Router) {
	guard := AdminKey(m.AdminKey)
	r.Handle("/v1/messages", guard(http.HandlerFunc(m.handleMessage))).Methods(http.MethodPost)
	r.Handle("/v1/messages/status", guard(http.HandlerFunc(m.handleStatus))).Methods(http.MethodPost)
}

func (m *Messages) handleMessage(w http.ResponseWriter, r *http.Request) {
	var ev domain.MessageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeErrorText(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	res, err := m.Ingest.IngestMessage(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		inbound.IngestResult
	}{Status: statusSuccess, IngestResult: res})
}

func (m *Messages) handleStatus(w http.ResponseWriter, r *http.Request) {
	var ev domain.StatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeErrorText(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	res, err := m.Ingest.ApplyStatus(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        statusSuccess,
		"message_sid":   res.MessageSID,
		"found":         res.Found,
		"message_state": res.Status,
	})
}
