package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"coopmsg/internal/domain"
	"coopmsg/internal/service"
	"coopmsg/internal/store"
	"coopmsg/internal/util"
)

type API struct {
	Svc   *service.BroadcastService
	IDGen func() string
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/broadcasts", a.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/broadcasts/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/broadcasts/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/v1/broadcasts/{id}/summary", a.handleSummary).Methods(http.MethodGet)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.SubmitBroadcast(r.Context(), req, a.IDGen(), util.NowUTC())
	if err != nil {
		slog.Error("submit broadcast failed",
			"err", err,
			"contacts", len(req.Targets.ContactIDs),
			"groups", len(req.Targets.GroupIDs),
		)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	bc, found, err := a.Svc.GetBroadcast(r.Context(), id)
	if err != nil {
		slog.Error("get broadcast failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(broadcastView(bc))
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	err := a.Svc.CancelBroadcast(r.Context(), id, util.NowUTC())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, service.ErrNotCancellable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("cancel broadcast failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

type broadcastJSON struct {
	ID              string             `json:"id"`
	MessageBody     string             `json:"messageBody"`
	Targets         domain.TargetSpec  `json:"targets"`
	Status          string             `json:"status"`
	ScheduledAt     *time.Time         `json:"scheduledAt,omitempty"`
	TotalRecipients int                `json:"totalRecipients"`
	Sent            int                `json:"sent"`
	Failed          int                `json:"failed"`
	Pending         int                `json:"pending"`
	CreatedAt       time.Time          `json:"createdAt"`
}

func broadcastView(bc store.Broadcast) broadcastJSON {
	return broadcastJSON{
		ID:              bc.ID,
		MessageBody:     bc.MessageBody,
		Targets:         bc.Targets,
		Status:          bc.Status,
		ScheduledAt:     bc.ScheduledAt,
		TotalRecipients: bc.TotalRecipients,
		Sent:            bc.Sent,
		Failed:          bc.Failed,
		Pending:         bc.Pending,
		CreatedAt:       bc.CreatedAt,
	}
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	sum, found, err := a.Svc.GetSummary(r.Context(), id)
	if err != nil {
		slog.Error("summarize broadcast failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sum)
}
