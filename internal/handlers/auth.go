package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/callrelay/internal/auth"
	"github.com/mossy-p/callrelay/internal/directory"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Login checks the credentials against the directory and issues a session
// token the client can present in the WebSocket login event.
func Login(verifier directory.CredentialVerifier, issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		ident, err := verifier.VerifyCredential(req.Username, req.Password)
		if err != nil {
			if !errors.Is(err, directory.ErrInvalidCredentials) {
				log.Error().Err(err).Msg("credential check failed")
			}
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		token, err := issuer.Issue(ident.ID)
		if err != nil {
			log.Error().Err(err).Str("user_id", ident.ID).Msg("failed to generate token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  token,
			UserID: ident.ID,
			Name:   ident.DisplayName,
			Avatar: ident.Avatar,
		})
	}
}
