package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	applog "meetmesh/pkg/logger"
)

type MeetingHandler struct {
	repo     ports.MeetingRepository
	registry ports.SessionRegistry
	logger   *zap.SugaredLogger
}

var _ ports.MeetingHTTPHandler = (*MeetingHandler)(nil)

func NewMeetingHandler(repo ports.MeetingRepository, registry ports.SessionRegistry, logger *zap.SugaredLogger) *MeetingHandler {
	return &MeetingHandler{
		repo:     repo,
		registry: registry,
		logger:   logger,
	}
}

func (h *MeetingHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/meetings/:id", h.GetMeeting)
		api.GET("/meetings/:id/participants", h.ListParticipants)
	}
}

// GetMeeting returns the persisted record together with the number of
// participants currently connected to this instance.
func (h *MeetingHandler) GetMeeting(c *gin.Context) {
	meetingID := h.meetingID(c)

	room, err := h.repo.GetByMeetingID(c.Request.Context(), meetingID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meeting":          room,
		"liveParticipants": h.registry.Count(meetingID),
	})
}

func (h *MeetingHandler) ListParticipants(c *gin.Context) {
	meetingID := h.meetingID(c)

	participants := h.registry.Participants(meetingID)
	if participants == nil {
		participants = []domain.SessionParticipant{}
	}
	h.logger.Debugw("participants listed", "meeting_id", meetingID, "count", len(participants))

	c.JSON(http.StatusOK, gin.H{
		"meetingId":    meetingID,
		"participants": participants,
		"count":        len(participants),
	})
}

// meetingID reads the path id and tags the request context with it for the
// request log.
func (h *MeetingHandler) meetingID(c *gin.Context) domain.MeetingID {
	id := c.Param("id")
	c.Request = c.Request.WithContext(applog.WithMeetingID(c.Request.Context(), id))
	return domain.MeetingID(id)
}
