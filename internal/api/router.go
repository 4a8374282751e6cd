package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Router wires every endpoint. Paths mirror the v1 contract the web client
// speaks; streams are SSE, plus one WebSocket feed carrying both projections.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger(), cors())

	r.GET("/", a.root)
	r.GET("/health", a.health)

	v1 := r.Group("/v1")
	{
		v1.GET("/stats", a.stats)
		v1.POST("/execute", a.executeCode)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", a.createSession)
			sessions.GET("/:sessionId", a.getSession)
			sessions.DELETE("/:sessionId", a.deleteSession)
			sessions.PUT("/:sessionId", a.updateCode)
			sessions.PUT("/:sessionId/language", a.updateLanguage)
			sessions.GET("/:sessionId/stream", a.streamDocument)
			sessions.GET("/:sessionId/ws", a.serveWebSocket)

			sessions.GET("/:sessionId/participants", a.listParticipants)
			sessions.POST("/:sessionId/participants", a.joinSession)
			sessions.GET("/:sessionId/participants/stream", a.streamParticipants)
			sessions.PATCH("/:sessionId/participants/:participantId", a.updateParticipant)
			sessions.DELETE("/:sessionId/participants/:participantId", a.leaveSession)
		}
	}

	return r
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("Request handled")
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	}
}
