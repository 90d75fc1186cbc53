package main

import (
	"callmeter/internal/auth"
	"callmeter/internal/httpapi"
	"callmeter/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		// CALL routes. Participant authorization happens inside the
		// handlers; any authenticated user may place calls.
		calls := v1.Group("/calls")
		{
			calls.POST("", h.StartCall)
			calls.GET("/:session_id", h.GetCall)
			calls.POST("/:session_id/accept", h.AcceptCall)
			calls.POST("/:session_id/end", h.EndCall)
			calls.POST("/:session_id/signal", h.Signal)
			calls.GET("/:session_id/events", h.Events)
		}

		// WALLET routes
		wallets := v1.Group("/wallet")
		{
			wallets.GET("", h.GetWallet)
			// Top-ups are a back-office operation.
			wallets.POST("/credits", rbac.RequireAnyRole(rbac.RoleFinance, rbac.RoleSuperAdmin), h.CreditWallet)
		}

		// REPORTING routes
		reports := v1.Group("/reports")
		{
			reports.GET("/calls", h.UsageSummary)
			reports.GET("/spend", h.SpendSummary)
		}
	}
}
