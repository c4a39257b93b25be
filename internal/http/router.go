// README: HTTP route registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rideflow/internal/http/handlers"
	"rideflow/internal/http/middleware"
)

func registerRoutes(r *gin.Engine, deps ServerDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth())
	rider := middleware.RequireRoles(middleware.RoleRider)
	driver := middleware.RequireRoles(middleware.RoleDriver)
	admin := middleware.RequireRoles(middleware.RoleAdmin)

	rides := handlers.NewRideHandler(deps.Dispatch, deps.Rides)
	api.POST("/rides/estimate", rides.Estimate)
	api.POST("/rides", rider, rides.Create)
	api.GET("/rides/:id", rides.Get)
	api.POST("/rides/:id/cancel", rides.Cancel)
	api.POST("/rides/:id/pay-cash", rider, rides.PayCash)

	drivers := handlers.NewDriverHandler(deps.Dispatch, deps.Registry)
	api.PUT("/drivers/availability", driver, drivers.SetAvailability)
	api.PUT("/drivers/location", driver, drivers.UpdateLocation)
	api.POST("/rides/:id/accept", driver, drivers.Accept)
	api.POST("/rides/:id/decline", driver, drivers.Decline)
	api.POST("/rides/:id/start", driver, drivers.Start)
	api.POST("/rides/:id/complete", driver, drivers.Complete)

	payments := handlers.NewPaymentHandler(deps.Settlement)
	api.POST("/payments/rides/:id/gateway-result", admin, payments.GatewayResult)

	wallets := handlers.NewWalletHandler(deps.Ledger)
	api.GET("/wallets/:kind/:id", wallets.Get)
	api.GET("/wallets/:kind/:id/transactions", wallets.Transactions)
	api.GET("/wallets/:kind/:id/verify", admin, wallets.Verify)
	api.POST("/wallets/:kind/:id/topup", admin, wallets.TopUp)
	api.POST("/wallets/:kind/:id/reserve", middleware.RequireRoles(middleware.RoleDriver, middleware.RoleAdmin), wallets.Reserve)
	api.POST("/reservations/:id/release", admin, wallets.Release)
	api.POST("/reservations/:id/capture", admin, wallets.Capture)
}
