package router

import (
	"github.com/cuongbtq/sentinel-gateway/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options holds router settings that do not belong to the handlers
type Options struct {
	Production bool
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(SecurityHeadersMiddleware(opts.Production))
	r.Use(CORSMiddleware(deps.AllowedOrigin))

	systemHandler := handler.NewSystemHandler(deps)
	logHandler := handler.NewLogHandler(deps)

	r.GET("/health", systemHandler.Health)

	// WebSocket endpoint for realtime job updates
	r.GET("/ws", systemHandler.WebSocket)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		logs := v1.Group("/logs")
		{
			// POST /api/v1/logs/upload - Upload a log file for analysis
			logs.POST("/upload", logHandler.UploadLogFile)

			// GET /api/v1/logs/history - List analysis jobs newest first
			logs.GET("/history", logHandler.GetHistory)

			// GET /api/v1/logs/jobs/:job_id - Get one analysis job
			logs.GET("/jobs/:job_id", logHandler.GetJob)
		}
	}

	return r
}
