package ports

import (
	"github.com/gin-gonic/gin"
)

// MeetingHTTPHandler serves the read-only meeting lookup API.
type MeetingHTTPHandler interface {
	GetMeeting(c *gin.Context)
	ListParticipants(c *gin.Context)
}

// SignalingHandler upgrades and serves signaling connections.
type SignalingHandler interface {
	HandleWebSocket(c *gin.Context)
}
