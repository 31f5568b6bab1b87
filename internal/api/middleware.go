package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/sora2api/sora-proxy/internal/errors"
)

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// bearerToken returns the Authorization credential with or without the
// Bearer prefix. The admin panel sends bare tokens, SDK clients send Bearer.
func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// requireAPIKey guards the OpenAI-compatible surface. Failures use the
// OpenAI error envelope so SDK clients surface them cleanly.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			apierrors.AbortWithOpenAIError(c, http.StatusUnauthorized, "Missing API key")
			return
		}
		if token != s.runtime.Snapshot().APIKey {
			apierrors.AbortWithOpenAIError(c, http.StatusUnauthorized, "Invalid API key")
			return
		}
		c.Next()
	}
}

// requireAdmin guards the admin JSON API with the session token from login.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Missing authorization header"})
			return
		}
		username, err := s.sessions.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or expired token"})
			return
		}
		c.Set("admin", username)
		c.Next()
	}
}
