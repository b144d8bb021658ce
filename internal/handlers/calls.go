package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/consult-signaling/internal/relay"
)

// CallsHandler exposes call sessions to the clinic API
type CallsHandler struct {
	relay *relay.Relay
}

func NewCallsHandler(r *relay.Relay) *CallsHandler {
	return &CallsHandler{relay: r}
}

// GetCall retrieves the live state of a call (public)
func (h *CallsHandler) GetCall(c *gin.Context) {
	callID := c.Param("callId")

	info, ok := h.relay.Registry().Snapshot(callID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// EndCall terminates a call for both participants (doctor only)
func (h *CallsHandler) EndCall(c *gin.Context) {
	callID := c.Param("callId")

	if !h.relay.Terminate(c.Request.Context(), callID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Call ended"})
}

// Notify pushes an arbitrary JSON payload to every live connection of a user
func (h *CallsHandler) Notify(c *gin.Context) {
	userID := c.Param("userId")

	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	delivered := h.relay.Notify(userID, json.RawMessage(body))
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}
