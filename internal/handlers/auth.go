package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
)

const tokenTTL = 24 * time.Hour

// TokenRequest asks for a development identity token. In production the
// clinic API issues tokens signed with the shared secret.
type TokenRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
	Role          string `json:"role" binding:"required"`
}

type TokenResponse struct {
	Token         string      `json:"token"`
	ParticipantID string      `json:"participantId"`
	Role          models.Role `json:"role"`
	ExpiresAt     time.Time   `json:"expiresAt"`
}

// IssueDevToken signs whatever identity it is asked for. Only mounted
// outside production.
func IssueDevToken(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		role, err := models.ParseRole(req.Role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		identity := models.Identity{ParticipantID: req.ParticipantID, Role: role}
		signed, err := middleware.IssueToken(jwtSecret, identity, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sign token"})
			return
		}
		c.JSON(http.StatusOK, TokenResponse{
			Token:         signed,
			ParticipantID: identity.ParticipantID,
			Role:          role,
			ExpiresAt:     time.Now().Add(tokenTTL).UTC(),
		})
	}
}
