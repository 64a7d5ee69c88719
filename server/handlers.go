package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/onnwee/cred-tender/oauth"
	"github.com/onnwee/cred-tender/store"
	"github.com/onnwee/cred-tender/telemetry"
)

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	mgr   *oauth.Manager
	repo  *store.Repository
	queue *store.Queue
}

// HandleHealthz responds to liveness probes. The process is healthy as long as
// the credential file (when present) is readable.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.repo.Load(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes: ready means at least one user is
// registered and at least one of them holds a token not in a failed state.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	usernames := h.mgr.Usernames()
	if len(usernames) == 0 {
		writeNotReady(w, "users", "no registered users")
		return
	}
	for _, u := range usernames {
		if info, ok := h.mgr.GetInfo(u); ok && info.State != oauth.StateFailed.String() && info.State != oauth.StateExpired.String() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
			return
		}
	}
	writeNotReady(w, "credentials", "no usable tokens")
}

func writeNotReady(w http.ResponseWriter, check, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":       "not_ready",
		"failed_check": check,
		"error":        msg,
	})
}

// HandleStatus returns a redacted per-user credential state summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	usernames := h.mgr.Usernames()
	sort.Strings(usernames)
	infos := make([]oauth.Info, 0, len(usernames))
	for _, u := range usernames {
		if info, ok := h.mgr.GetInfo(u); ok {
			infos = append(infos, info)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"users": infos}); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("status encode failed", "err", err)
	}
}

// HandleUsersDispatcher routes /users/{name}/refresh and /users/{name}.
func (h *Handlers) HandleUsersDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/users/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodGet:
		h.handleUserInfo(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodPost:
		h.handleUserRefresh(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleUserInfo(w http.ResponseWriter, _ *http.Request, username string) {
	info, ok := h.mgr.GetInfo(username)
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// handleUserRefresh forces a refresh for one user, bypassing validation.
func (h *Handlers) handleUserRefresh(w http.ResponseWriter, r *http.Request, username string) {
	if _, ok := h.mgr.GetInfo(username); !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	refreshed := h.mgr.ForceRefresh(r.Context(), username)
	telemetry.LoggerWithCorr(r.Context()).Info("forced refresh",
		"user", username, "refreshed", refreshed)
	w.Header().Set("Content-Type", "application/json")
	if !refreshed {
		w.WriteHeader(http.StatusBadGateway)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"user": username, "refreshed": refreshed})
}
