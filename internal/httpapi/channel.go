package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"coopmsg/internal/channel"
	"coopmsg/internal/domain"
)

// ChannelAPI exposes connection control for the dispatcher process, which is
// the exclusive owner of the channel session.
type ChannelAPI struct {
	Mgr *channel.Manager
}

func (a *ChannelAPI) Register(r *mux.Router) {
	r.HandleFunc("/v1/channel/connect", a.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/channel/disconnect", a.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/channel", a.handleState).Methods(http.MethodGet)
}

type channelStateJSON struct {
	SessionID         string     `json:"sessionId,omitempty"`
	State             string     `json:"state"`
	PairingCode       string     `json:"pairingCode,omitempty"`
	ConnectedIdentity string     `json:"connectedIdentity,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	LastErrorKind     string     `json:"lastErrorKind,omitempty"`
	LastErrorMsg      string     `json:"lastErrorMsg,omitempty"`
	LastChangeAt      *time.Time `json:"lastStateChangeAt,omitempty"`
}

func (a *ChannelAPI) handleConnect(w http.ResponseWriter, r *http.Request) {
	a.Mgr.RequestConnect()
	a.writeState(w, http.StatusAccepted)
}

func (a *ChannelAPI) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.Mgr.Disconnect()
	a.writeState(w, http.StatusOK)
}

func (a *ChannelAPI) handleState(w http.ResponseWriter, r *http.Request) {
	a.writeState(w, http.StatusOK)
}

func (a *ChannelAPI) writeState(w http.ResponseWriter, status int) {
	snap := a.Mgr.State()
	out := channelStateJSON{
		SessionID:         snap.SessionID,
		State:             string(snap.State),
		ReconnectAttempts: snap.ReconnectAttempts,
		LastErrorKind:     string(snap.LastErrorKind),
		LastErrorMsg:      snap.LastErrorMsg,
	}
	// pairing artifact is only surfaced while the session awaits confirmation
	if snap.State == domain.StateAwaitingPairing {
		out.PairingCode = snap.PairingCode
	}
	if snap.State == domain.StateConnected || snap.State == domain.StateReconnecting {
		out.ConnectedIdentity = snap.Identity
	}
	if !snap.LastChangeAt.IsZero() {
		t := snap.LastChangeAt
		out.LastChangeAt = &t
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}
