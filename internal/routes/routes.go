package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nikhil/surveil/internal/handlers"
	"github.com/nikhil/surveil/internal/hub"
	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/middleware"
)

// Deps is what the router needs from the rest of the process.
type Deps struct {
	Hub       *hub.Hub
	History   hub.HistoryProvider
	TeamNames func() []string
	JWTSecret string
	StaticDir string
	Log       *logger.Logger
}

// List of all route registration functions
var routeModules = []func(*mux.Router, Deps){
	RegisterHealthRoutes,
	RegisterHistoryRoutes,
	RegisterWebSocketRoutes,
	RegisterStaticRoutes,
}

// RegisterAllRoutes builds the HTTP router.
func RegisterAllRoutes(deps Deps) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Logging(deps.Log))

	for _, register := range routeModules {
		register(router, deps)
	}

	return router
}

func RegisterHealthRoutes(router *mux.Router, deps Deps) {
	router.Handle("/healthz", handlers.Health{
		Clients: deps.Hub.ClientCount,
		Teams:   deps.TeamNames,
	}).Methods(http.MethodGet)
}

func RegisterHistoryRoutes(router *mux.Router, deps Deps) {
	history := handlers.NewHistoryHandler(deps.History, deps.Log)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.Auth(deps.JWTSecret, deps.Log), middleware.ResponseWrapperMiddleware)
	apiRouter.HandleFunc("/sessions", history.ListSessions).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sessions/{id:[0-9]+}", history.GetSession).Methods(http.MethodGet)
}

func RegisterWebSocketRoutes(router *mux.Router, deps Deps) {
	wsHandler := handlers.NewWebSocketHandler(deps.Hub, deps.Log)

	router.Handle("/ws", middleware.Auth(deps.JWTSecret, deps.Log)(http.HandlerFunc(wsHandler.HandleWebSocket))).Methods(http.MethodGet)
}

// RegisterStaticRoutes serves a dashboard directory at / when one is
// configured. It must be registered last so it does not shadow the API.
func RegisterStaticRoutes(router *mux.Router, deps Deps) {
	if deps.StaticDir == "" {
		return
	}
	router.PathPrefix("/").Handler(http.FileServer(http.Dir(deps.StaticDir))).Methods(http.MethodGet)
}
