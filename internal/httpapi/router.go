package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hazelqin/mindmint/internal/common"
	"github.com/hazelqin/mindmint/internal/config"
	"github.com/hazelqin/mindmint/internal/httpapi/handlers"
	"github.com/hazelqin/mindmint/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	// auth
	r.POST("/login", h.Login)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Therapy sessions (JWT required)
	authGroup.POST("/therapy/sessions", h.CreateTherapySession)
	authGroup.GET("/therapy/sessions", h.ListTherapySessions)
	authGroup.GET("/therapy/sessions/:session_id", h.GetTherapySession)
	authGroup.POST("/therapy/sessions/:session_id/cancel", h.CancelTherapySession)

	// Completion workflow
	authGroup.POST("/therapy/sessions/:session_id/complete", h.CompleteTherapySession)
	authGroup.POST("/therapy/sessions/:session_id/complete/async", h.CompleteTherapySessionAsync)
	authGroup.GET("/therapy/jobs/:job_id", h.GetCompletionJob)
	authGroup.GET("/therapy/achievements", h.ListAchievements)

	// identifier bridge
	authGroup.GET("/therapy/sessions/:session_id/ledger", h.GetSessionLedgerRef)
	authGroup.GET("/therapy/ledger/:external_id", h.ResolveLedgerSession)

	return r
}
