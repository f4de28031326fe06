package handlers

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status   string     `json:"status"`
	Jobs     int        `json:"jobs"`
	Focused  string     `json:"focused,omitempty"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Jobs: len(a.Svc.Jobs()), Focused: a.Svc.Focused()}
	if last := a.Svc.LastSync(); !last.IsZero() {
		resp.LastSync = &last
	}
	a.json(w, http.StatusOK, resp)
}
