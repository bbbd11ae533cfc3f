package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware requires "Authorization: Bearer <AUTH_KEY>" when
// AUTH_ENABLE is set.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Next()
			return
		}

		scheme, token, found := strings.Cut(c.GetHeader("Authorization"), " ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		if !strings.EqualFold(scheme, "bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AuthKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Next()
	}
}
