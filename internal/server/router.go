package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/coursebridge/completion-backend/internal/handlers"
	"github.com/coursebridge/completion-backend/internal/middleware"
)

type RouterConfig struct {
	ServiceName       string
	CompletionHandler *handlers.CompletionHandler
	AuthMiddleware    *middleware.AuthMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api/v1")
	api.Use(cfg.AuthMiddleware.RequireAuth())
	{
		api.GET("/completion/course/:courseKey", cfg.CompletionHandler.GetCourseCompletion)
		api.GET("/completion/course/:courseKey/block/:blockKey", cfg.CompletionHandler.GetBlockCompletion)
		api.POST("/completion/stale", cfg.CompletionHandler.MarkStale)
	}

	admin := router.Group("/api/v1/admin")
	admin.Use(cfg.AuthMiddleware.RequireAuth(), cfg.AuthMiddleware.RequireAdmin())
	{
		admin.POST("/reaggregate", cfg.CompletionHandler.Reaggregate)
	}

	return router
}
