package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"leadcast/internal/broadcast"
	"leadcast/internal/domain"
	"leadcast/internal/status"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (broadcast.DispatchResult, error)
	CloseLead(ctx context.Context, leadID string, to domain.LeadStatus, reason string) (domain.LeadStatus, error)
}

type VendorAdmin interface {
	SetVendorActive(ctx context.Context, phone string, active bool) (string, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, leadID string) (status.Report, error)
}

// API serves the requester-facing broadcast endpoints.
type API struct {
	Dispatcher Dispatcher
	Status     StatusReader
	Vendors    VendorAdmin
	AdminKey   string
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/broadcasts", a.handleDispatch).Methods(http.MethodPost)
	r.HandleFunc("/v1/broadcasts/status", a.handleStatusQuery).Methods(http.MethodPost)
	r.HandleFunc("/v1/broadcasts/{id}/status", a.handleStatus).Methods(http.MethodGet)
	r.Handle("/v1/broadcasts/{id}/close", AdminKey(a.AdminKey)(http.HandlerFunc(a.handleClose))).Methods(http.MethodPost)
	if a.Vendors != nil {
		r.Handle("/v1/vendors/{phone}/active", AdminKey(a.AdminKey)(http.HandlerFunc(a.handleVendorActive))).Methods(http.MethodPost)
	}
}

type dispatchResponse struct {
	Status    string              `json:"status"`
	RequestID string              `json:"requestId"`
	Total     int                 `json:"total"`
	Sent      int                 `json:"sent"`
	Failed    int                 `json:"failed"`
	Results   []domain.SendResult `json:"results"`
	Skipped   int                 `json:"skipped"`
	Dropped   int                 `json:"dropped"`
	Duplicate bool                `json:"duplicate,omitempty"`
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req domain.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorText(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}

	res, err := a.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body := dispatchResponse{
		Status:    statusSuccess,
		RequestID: res.LeadID,
		Total:     res.Report.Total,
		Sent:      res.Report.Sent,
		Failed:    res.Report.Failed,
		Results:   res.Report.Results,
		Skipped:   res.Skipped,
		Dropped:   res.Dropped,
		Duplicate: res.Duplicate,
	}
	if body.Results == nil {
		body.Results = []domain.SendResult{}
	}
	code := http.StatusOK
	if res.Queued {
		body.Status = statusQueued
		code = http.StatusAccepted
	}
	writeJSON(w, code, body)
}

type statusResponse struct {
	Status string `json:"status"`
	status.Report
	Confirmed []status.MessageView `json:"confirmed"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeStatus(w, r, mux.Vars(r)["id"])
}

func (a *API) handleStatusQuery(w http.ResponseWriter, r *http.Request) {
	var q struct {
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeErrorText(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	a.writeStatus(w, r, q.RequestID)
}

func (a *API) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		writeErrorText(w, http.StatusBadRequest, ErrMissingID)
		return
	}
	rep, err := a.Status.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	confirmed := rep.Confirmed()
	if confirmed == nil {
		confirmed = []status.MessageView{}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: statusSuccess, Report: rep, Confirmed: confirmed})
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.LeadStatus `json:"status"`
		Reason string            `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorText(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	id := mux.Vars(r)["id"]
	from, err := a.Dispatcher.CloseLead(r.Context(), id, req.Status, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     statusSuccess,
		"requestId":  id,
		"from_state": from,
		"to_state":   req.Status,
	})
}

func (a *API) handleVendorActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeErrorText(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	p, err := a.Vendors.SetVendorActive(r.Context(), mux.Vars(r)["phone"], *req.Active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": statusSuccess,
		"phone":  p,
		"active": *req.Active,
	})
}
