package main

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/privateai/sidecar/pkg/sidecar"
)

// BearerTokenMW protects the chat endpoints with a shared bearer token so
// other local processes cannot drive the model. /health and unknown paths are
// left open. An empty token disables the check.
type BearerTokenMW struct {
	token string
}

func NewBearerTokenMW(token string) *BearerTokenMW {
	return &BearerTokenMW{token: token}
}

func (m *BearerTokenMW) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.token == "" {
			return
		}
		switch c.FullPath() {
		case sidecar.PathChat, sidecar.PathChatStream:
		default:
			return
		}

		const bearerPrefix = "Bearer "
		authHeader := c.GetHeader("Authorization")
		if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		token := authHeader[len(bearerPrefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
	}
}
