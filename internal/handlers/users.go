package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/callrelay/internal/models"
)

type PresenceLister interface {
	Presence(identityID string) []models.PresenceEntry
}

// ListUsers returns the directory with online flags, minus the caller.
// Requires JWTAuth.
func ListUsers(p PresenceLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": p.Presence(userID)})
	}
}
