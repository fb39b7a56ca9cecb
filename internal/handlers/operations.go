package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// OperationRequest runs a lookup for one settings record
type OperationRequest struct {
	SettingsID uint                   `json:"settingsId"`
	Payload    map[string]interface{} `json:"payload"`
}

// runOperation performs a synchronous lookup such as CodeSearchReq and returns every page
func (r *Router) runOperation(w http.ResponseWriter, req *http.Request) {
	var body OperationRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	resp, err := r.lookup.Run(req.Context(), body.SettingsID, mux.Vars(req)["operation"], body.Payload)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (r *Router) listNotices(w http.ResponseWriter, req *http.Request) {
	list, err := r.lookup.ListNotices(req.Context(), queryUint(req, "settingsId"), queryInt(req, "limit"))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}
