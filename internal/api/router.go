package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/auth"
	"github.com/brickworks/sitegate/internal/middleware"
)

// NewRouter assembles the full HTTP surface. wsHandler serves the upgrade
// endpoint; it authenticates from its own query parameters, so it sits
// outside the auth middleware.
func NewRouter(h *Handlers, authmw *auth.Middleware, wsHandler http.Handler, cors *middleware.CORSConfig) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logging(log.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cors))

	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", wsHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api/impersonation").Subrouter()
	api.HandleFunc("/request", authmw.RequireAuth(h.CreateRequestHandler)).Methods(http.MethodPost)
	api.HandleFunc("/request/{id}", authmw.RequireAuth(h.CancelRequestHandler)).Methods(http.MethodDelete)
	api.HandleFunc("/respond", authmw.RequireAuth(h.RespondHandler)).Methods(http.MethodPost)
	api.HandleFunc("/session/end", authmw.RequireAuth(h.EndSessionHandler)).Methods(http.MethodPost)
	api.HandleFunc("/pending", authmw.RequireAuth(h.PendingRequestsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/sessions", authmw.RequireAuth(h.SessionsHandler)).Methods(http.MethodGet)
	api.HandleFunc("/verify", authmw.RequireAuth(h.VerifySessionHandler)).Methods(http.MethodGet)
	api.HandleFunc("/audit", authmw.RequireAuth(h.AuditTrailHandler)).Methods(http.MethodGet)

	return r
}
