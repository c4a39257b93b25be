// README: API gateway; builds the gin engine and delegates to module services.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/settlement"
	"rideflow/internal/modules/wallet"
)

type ServerDeps struct {
	Dispatch   *dispatch.Coordinator
	Rides      *ride.Service
	Registry   matching.Registry
	Settlement *settlement.Service
	Ledger     *wallet.Ledger
	Logger     *slog.Logger
}

type Server struct {
	deps   ServerDeps
	engine *gin.Engine
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(deps.Logger),
		middleware.Metrics(),
		middleware.Logging(deps.Logger),
	)
	s := &Server{deps: deps, engine: engine}
	registerRoutes(engine, deps)
	return s
}

func (s *Server) Routes() http.Handler {
	return s.engine
}
