package main

import (
	"database/sql"
	"time"

	"callbridge/internal/httpapi"
	"callbridge/internal/rbac"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, db *sql.DB, rdb *redis.Client) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Token issuance (skeleton; see Handlers.IssueToken).
	r.POST("/v1/auth/token", h.IssueToken)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// QUEUE routes: bot shards enqueue, poll and cancel pending requests.
		q := v1.Group("/queue")
		q.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			q.POST("", h.EnqueueCall)
			q.GET("/status/:channel_id", h.GetQueueStatus)
			q.DELETE("/:channel_id", h.CancelQueuedCall)
		}

		// CALL routes: read-only views over live call state.
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			calls.GET("", h.ListActiveCalls)
			calls.GET("/:call_id", h.GetCall)
			calls.GET("/by-channel/:channel_id", h.GetCallByChannel)
		}

		v1.GET("/stats", rbac.RequireAnyRole(rbac.RoleOperator), h.GetStats)

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/queue", h.AdminListQueue)
			admin.DELETE("/queue/:channel_id", h.AdminPurgeQueued)
			admin.POST("/calls/:call_id/end", h.AdminEndCall)
		}
	}
}
