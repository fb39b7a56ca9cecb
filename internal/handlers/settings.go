package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/etimsgo/internal/services/settings"
)

func (r *Router) listSettings(w http.ResponseWriter, req *http.Request) {
	list, err := r.settings.List(req.Context())
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) getSettings(w http.ResponseWriter, req *http.Request) {
	rec, err := r.settings.Get(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (r *Router) createSettings(w http.ResponseWriter, req *http.Request) {
	var in settings.Input
	if !decodeJSON(w, req, &in) {
		return
	}
	rec, err := r.settings.Create(req.Context(), in)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (r *Router) updateSettings(w http.ResponseWriter, req *http.Request) {
	var in settings.Input
	if !decodeJSON(w, req, &in) {
		return
	}
	rec, err := r.settings.Update(req.Context(), pathID(req), in)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (r *Router) activateSettings(w http.ResponseWriter, req *http.Request) {
	rec, err := r.settings.Activate(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// initializeDevice runs DeviceVerificationReq for an OSCU record
func (r *Router) initializeDevice(w http.ResponseWriter, req *http.Request) {
	rec, err := r.settings.InitializeDevice(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (r *Router) unblockSettings(w http.ResponseWriter, req *http.Request) {
	rec, err := r.settings.Unblock(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// forceToken requests a fresh token regardless of expiry. The token itself is not returned.
func (r *Router) forceToken(w http.ResponseWriter, req *http.Request) {
	tok, err := r.tokens.Force(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": true,
		"expiresAt": tok.ExpiresAt,
	})
}

// runGroup enqueues a group's pending submissions now instead of waiting for the schedule
func (r *Router) runGroup(w http.ResponseWriter, req *http.Request) {
	n, err := r.scheduler.RunGroup(req.Context(), pathID(req), mux.Vars(req)["group"])
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"enqueued": n})
}
