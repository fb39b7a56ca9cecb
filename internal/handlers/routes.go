package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/xelth-com/etimsgo/internal/models"
)

// RouteRequest replaces the endpoint of one operation
type RouteRequest struct {
	Vendor      string `json:"vendor"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

func (r *Router) listRoutes(w http.ResponseWriter, req *http.Request) {
	list, err := r.routes.List(req.Context(), req.URL.Query().Get("vendor"))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) putRoute(w http.ResponseWriter, req *http.Request) {
	var body RouteRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	if body.Vendor == "" {
		body.Vendor = models.VendorOSCU
	}
	route := &models.Route{
		Operation:   mux.Vars(req)["operation"],
		Vendor:      body.Vendor,
		Method:      strings.ToUpper(body.Method),
		URLPath:     body.Path,
		Description: body.Description,
	}
	if err := r.routes.Upsert(req.Context(), route); err != nil {
		r.respondServiceError(w, err)
		return
	}
	stored, err := r.routes.Get(req.Context(), route.Operation, route.Vendor)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}
