package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/xelth-com/etimsgo/internal/buildinfo"
	"github.com/xelth-com/etimsgo/internal/database"
	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/middleware"
	"github.com/xelth-com/etimsgo/internal/services/dispatch"
	"github.com/xelth-com/etimsgo/internal/services/lookup"
	"github.com/xelth-com/etimsgo/internal/services/receipt"
	"github.com/xelth-com/etimsgo/internal/services/routes"
	"github.com/xelth-com/etimsgo/internal/services/scheduler"
	"github.com/xelth-com/etimsgo/internal/services/settings"
	"github.com/xelth-com/etimsgo/internal/services/token"
	"github.com/xelth-com/etimsgo/internal/websocket"
)

// Deps are the services the API drives
type Deps struct {
	DB        *database.DB
	JWTSecret string
	Settings  *settings.Service
	Tokens    *token.Manager
	Routes    *routes.Service
	Dispatch  *dispatch.Service
	Lookup    *lookup.Service
	Scheduler *scheduler.Scheduler
	Hub       *websocket.Hub
	Logger    *zap.Logger
}

// Router wraps the mux router and the services behind it
type Router struct {
	*mux.Router
	db        *database.DB
	jwtSecret string
	settings  *settings.Service
	tokens    *token.Manager
	routes    *routes.Service
	dispatch  *dispatch.Service
	lookup    *lookup.Service
	scheduler *scheduler.Scheduler
	hub       *websocket.Hub
	log       *zap.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(d Deps) *Router {
	r := &Router{
		Router:    mux.NewRouter(),
		db:        d.DB,
		jwtSecret: d.JWTSecret,
		settings:  d.Settings,
		tokens:    d.Tokens,
		routes:    d.Routes,
		dispatch:  d.Dispatch,
		lookup:    d.Lookup,
		scheduler: d.Scheduler,
		hub:       d.Hub,
		log:       d.Logger,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	for _, mw := range middleware.Stack(r.log) {
		r.Use(mw)
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Auth routes
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", r.login).Methods("POST")
	auth.HandleFunc("/refresh", r.refreshLogin).Methods("POST")

	// Status feed
	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(middleware.Auth(r.jwtSecret))
	ws.HandleFunc("", r.serveWs).Methods("GET")

	// API routes (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(r.jwtSecret), middleware.RequireAdmin)

	// Settings
	api.HandleFunc("/settings", r.listSettings).Methods("GET")
	api.HandleFunc("/settings", r.createSettings).Methods("POST")
	api.HandleFunc("/settings/{id:[0-9]+}", r.getSettings).Methods("GET")
	api.HandleFunc("/settings/{id:[0-9]+}", r.updateSettings).Methods("PUT")
	api.HandleFunc("/settings/{id:[0-9]+}/activate", r.activateSettings).Methods("POST")
	api.HandleFunc("/settings/{id:[0-9]+}/initialize", r.initializeDevice).Methods("POST")
	api.HandleFunc("/settings/{id:[0-9]+}/token", r.forceToken).Methods("POST")
	api.HandleFunc("/settings/{id:[0-9]+}/unblock", r.unblockSettings).Methods("POST")
	api.HandleFunc("/settings/{id:[0-9]+}/run/{group}", r.runGroup).Methods("POST")

	// Route table
	api.HandleFunc("/routes", r.listRoutes).Methods("GET")
	api.HandleFunc("/routes/{operation}", r.putRoute).Methods("PUT")

	// Submissions
	api.HandleFunc("/submissions", r.listSubmissions).Methods("GET")
	api.HandleFunc("/submissions", r.createSubmission).Methods("POST")
	api.HandleFunc("/submissions/sales-invoice", r.createSalesInvoice).Methods("POST")
	api.HandleFunc("/submissions/bulk-dispatch", r.bulkDispatch).Methods("POST")
	api.HandleFunc("/submissions/{id:[0-9]+}", r.getSubmission).Methods("GET")
	api.HandleFunc("/submissions/{id:[0-9]+}/dispatch", r.dispatchSubmission).Methods("POST")
	api.HandleFunc("/submissions/{id:[0-9]+}/retry", r.retrySubmission).Methods("POST")
	api.HandleFunc("/submissions/{id:[0-9]+}/receipt", r.submissionReceipt).Methods("GET")
	api.HandleFunc("/submissions/{id:[0-9]+}/qr", r.submissionQR).Methods("GET")

	// Lookups and notices
	api.HandleFunc("/operations/{operation}", r.runOperation).Methods("POST")
	api.HandleFunc("/notices", r.listNotices).Methods("GET")

	return r
}

// Handler returns the router, wrapped in CORS handling when browser origins are allowed.
// Preflight requests never match a mux route, so the wrapper sits outside the router.
func (r *Router) Handler(origins []string) http.Handler {
	if len(origins) == 0 {
		return r
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	})(r)
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if sqlDB, err := r.db.DB.DB(); err != nil || sqlDB.PingContext(req.Context()) != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unavailable"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":   http.StatusText(status),
		"database": dbStatus,
		"build":    buildinfo.Get(),
	})
}

func (r *Router) serveWs(w http.ResponseWriter, req *http.Request) {
	websocket.ServeWs(r.hub, w, req)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondServiceError maps service errors onto HTTP statuses
func (r *Router) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settings.ErrNotFound),
		errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, etims.ErrSettingsNotFound),
		errors.Is(err, routes.ErrRouteNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, receipt.ErrNotPrintable):
		respondError(w, http.StatusConflict, err.Error())
	case etims.IsValidation(err):
		respondJSON(w, http.StatusUnprocessableEntity, errorBody(err))
	case etims.IsAuth(err):
		respondJSON(w, http.StatusConflict, errorBody(err))
	case etims.IsTransient(err):
		respondJSON(w, http.StatusBadGateway, errorBody(err))
	default:
		r.log.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func errorBody(err error) map[string]interface{} {
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  etims.Kind(err),
	}
	if re := etims.Remote(err); re != nil {
		if re.ResultCode != "" {
			body["resultCode"] = re.ResultCode
		}
		if re.HTTPStatus != 0 {
			body["httpStatus"] = re.HTTPStatus
		}
	}
	return body
}

// decodeJSON reads the request body into v, answering 400 on failure
func decodeJSON(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func pathID(req *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(req)["id"], 10, 64)
	return uint(id)
}

func queryUint(req *http.Request, key string) uint {
	v, _ := strconv.ParseUint(req.URL.Query().Get(key), 10, 64)
	return uint(v)
}

func queryInt(req *http.Request, key string) int {
	v, _ := strconv.Atoi(req.URL.Query().Get(key))
	return v
}
