package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

type focusRequest struct {
	ID string `json:"id"`
}

type watchRequest struct {
	Watched bool `json:"watched"`
}

type syncResponse struct {
	CycleID     string    `json:"cycle_id"`
	At          time.Time `json:"at"`
	Fetched     int       `json:"fetched"`
	Transitions int       `json:"transitions"`
	Completed   []string  `json:"completed"`
	Errors      int       `json:"errors"`
}

func (a *App) SetFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	if err := a.Svc.Focus(req.ID); err != nil {
		a.fail(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) ClearFocus(w http.ResponseWriter, r *http.Request) {
	a.Svc.Unfocus()
	w.WriteHeader(http.StatusNoContent)
}

// SetWatched switches between the fast and idle polling cadences; a UI
// flips it when its job view gains or loses visibility.
func (a *App) SetWatched(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	a.Svc.SetWatched(req.Watched)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) Sync(w http.ResponseWriter, r *http.Request) {
	cycle, err := a.Svc.Sync(r.Context())
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	completed := cycle.Completed
	if completed == nil {
		completed = []string{}
	}
	a.json(w, http.StatusOK, syncResponse{
		CycleID:     cycle.ID,
		At:          cycle.At,
		Fetched:     cycle.Fetched,
		Transitions: cycle.Transitions,
		Completed:   completed,
		Errors:      cycle.Errors,
	})
}
