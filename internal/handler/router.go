package handler

import (
	"net/http"
	"time"

	"tutor-backend/internal/config"
	"tutor-backend/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(cfg *config.Config, chatHandler *ChatHandler) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	if cfg.RateLimit.Enabled {
		api.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimit)))
	}

	chat := api.Group("/chat")
	{
		chat.POST("/stream", chatHandler.StreamChat)
		chat.POST("/cancel", chatHandler.CancelChat)
		chat.GET("/status", chatHandler.GetStatus)

		chat.POST("/session", chatHandler.CreateSession)
		chat.POST("/session/list", chatHandler.GetSessionList)
		chat.POST("/session/clear", chatHandler.ClearAllSessions)
		chat.GET("/session/:session_id", chatHandler.GetSession)
		chat.PUT("/session/:session_id", chatHandler.UpdateSessionTitle)
		chat.PUT("/session/:session_id/select", chatHandler.SelectSession)
		chat.DELETE("/session/:session_id", chatHandler.DeleteSession)

		chat.GET("/messages", chatHandler.GetMessages)
		chat.GET("/messages/:session_id", chatHandler.GetMessages)
	}

	return router
}
