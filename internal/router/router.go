package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/vigilhq/vigil-backend/internal/cache"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/handler"
	"github.com/vigilhq/vigil-backend/internal/middleware"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/response"
	"github.com/vigilhq/vigil-backend/internal/service"
)

// loginRateLimit caps login attempts per IP per window.
const (
	loginRateLimit  = 30
	loginRateWindow = time.Minute
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth       *handler.AuthHandler
	Session    *handler.SessionHandler
	Proctoring *handler.ProctoringHandler
	Exam       *handler.ExamHandler
	WS         *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	tokens *service.TokenService,
	kv *cache.Cache,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/auth")
	{
		auth.POST("/login",
			middleware.LoginRateLimit(kv, loginRateLimit, loginRateWindow),
			handlers.Auth.Login,
		)
		auth.POST("/refresh", handlers.Auth.Refresh)
		auth.POST("/logout", middleware.RequireAccess(tokens), handlers.Auth.Logout)
	}

	// ─── 2. Session Group ──────────────────────────────────────────────
	sessions := router.Group("/api/sessions")
	sessions.Use(middleware.RequireAccess(tokens))
	{
		sessions.POST("/start",
			middleware.RequireRole(model.RoleStudent),
			handlers.Session.Start,
		)
		sessions.GET("/:id", handlers.Session.Get)
		sessions.POST("/:id/heartbeat", handlers.Session.Heartbeat)
		sessions.GET("/:id/questions", handlers.Session.Questions)
		sessions.POST("/:id/answers", handlers.Session.SaveAnswer)
		sessions.POST("/:id/submit", handlers.Session.Submit)
		sessions.POST("/:id/verify-identity", handlers.Session.VerifyIdentity)

		// Proctor-side session control; assignment is checked in the handler.
		sessions.POST("/:id/suspend",
			middleware.RequireRole(model.RoleAdmin, model.RoleProctor),
			handlers.Session.Suspend,
		)
		sessions.POST("/:id/reinstate",
			middleware.RequireRole(model.RoleAdmin, model.RoleProctor),
			handlers.Session.Reinstate,
		)
		sessions.POST("/:id/grade",
			middleware.RequireRole(model.RoleAdmin, model.RoleProctor),
			handlers.Session.Grade,
		)
	}

	// ─── 3. Proctoring Group ───────────────────────────────────────────
	proctoring := router.Group("/api/proctoring")
	proctoring.Use(
		middleware.RequireAccess(tokens),
		middleware.RequireRole(model.RoleAdmin, model.RoleProctor),
	)
	{
		proctoring.POST("/sessions/:id/flag", handlers.Proctoring.Flag)
		proctoring.GET("/sessions/:id/summary", handlers.Proctoring.Summary)
		proctoring.GET("/sessions/:id/events", handlers.Proctoring.Events)
		proctoring.GET("/sessions/:id/behavior-events", handlers.Proctoring.BehaviorEvents)
		proctoring.GET("/exams/:exam_id/sessions", handlers.Proctoring.LiveSessions)
		proctoring.GET("/events/:event_id/snapshot", handlers.Proctoring.Snapshot)
	}

	// ─── 4. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws")
	ws.Use(middleware.RequireAccessQuery(tokens))
	{
		ws.GET("/stream", handlers.WS.Stream)
	}

	// ─── 5. Admin Group ────────────────────────────────────────────────
	admin := router.Group("/api/admin")
	admin.Use(
		middleware.RequireAccess(tokens),
		middleware.RequireRole(model.RoleAdmin),
	)
	{
		admin.POST("/exams", handlers.Exam.Create)
		admin.GET("/exams/:id", handlers.Exam.Get)
		admin.PUT("/exams/:id", handlers.Exam.Update)
		admin.POST("/exams/:id/publish", handlers.Exam.Publish)
		admin.POST("/exams/:id/questions", handlers.Exam.AddQuestion)
		admin.DELETE("/exams/:id/questions/:question_id", handlers.Exam.DeleteQuestion)
		admin.POST("/exams/:id/enrollments", handlers.Exam.Enroll)
		admin.POST("/exams/:id/proctors", handlers.Exam.AssignProctor)
	}

	return router
}
