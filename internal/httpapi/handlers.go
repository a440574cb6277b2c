package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courierd/courierd/internal/delivery"
	"github.com/courierd/courierd/internal/engine"
	"github.com/courierd/courierd/internal/notification"
	"github.com/courierd/courierd/internal/preference"
	"github.com/courierd/courierd/internal/telemetry"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createNotification(c *gin.Context) {
	var req notification.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	n, err := s.engine.Submit(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, notification.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, notification.ErrConflict):
			c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		default:
			s.serverError(c, err, "failed to submit notification")
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"notification_id": n.ID,
		"status":          n.Status,
	})
}

type notificationResponse struct {
	*notification.Notification
	Deliveries []*delivery.Record `json:"deliveries"`
}

func (s *Server) getNotification(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}

	n, records, err := s.engine.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "notification not found"})
			return
		}
		s.serverError(c, err, "failed to load notification")
		return
	}
	c.JSON(http.StatusOK, notificationResponse{Notification: n, Deliveries: records})
}

func (s *Server) cancelNotification(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by request"
	}

	err := s.engine.Cancel(c.Request.Context(), id, body.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"notification_id": id, "status": notification.StatusCancelled})
	case errors.Is(err, notification.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "notification not found"})
	case errors.Is(err, notification.ErrNotCancellable):
		c.JSON(http.StatusConflict, errorResponse{Error: "notification is past the point of cancellation"})
	default:
		s.serverError(c, err, "failed to cancel notification")
	}
}

func (s *Server) retryNotification(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}

	err := s.engine.Retry(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"notification_id": id, "status": notification.StatusQueued})
	case errors.Is(err, notification.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "notification not found"})
	case errors.Is(err, engine.ErrNotEligible):
		c.JSON(http.StatusConflict, errorResponse{Error: "notification is not in a failed state"})
	default:
		s.serverError(c, err, "failed to retry notification")
	}
}

func (s *Server) listUserNotifications(c *gin.Context) {
	userID := c.Param("user_id")
	channel := notification.Channel(c.Query("channel"))
	if channel != "" && !channel.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown channel"})
		return
	}
	status := notification.Status(c.Query("status"))

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := s.engine.ListByUser(c.Request.Context(), userID, channel, status, limit, offset)
	if err != nil {
		s.serverError(c, err, "failed to list notifications")
		return
	}
	if items == nil {
		items = []*notification.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": items,
		"count":         len(items),
	})
}

func (s *Server) getUserPreferences(c *gin.Context) {
	prefs, err := s.prefs.ListByUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.serverError(c, err, "failed to list preferences")
		return
	}
	if prefs == nil {
		prefs = []preference.Preference{}
	}
	c.JSON(http.StatusOK, gin.H{"preferences": prefs})
}

func (s *Server) putUserPreferences(c *gin.Context) {
	userID := c.Param("user_id")

	var body struct {
		Preferences []preference.Preference `json:"preferences"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	for i, p := range body.Preferences {
		p.UserID = userID
		if !p.Type.Valid() {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown type at index " + strconv.Itoa(i)})
			return
		}
		if !p.Channel.Valid() {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown channel at index " + strconv.Itoa(i)})
			return
		}
		if p.Frequency == "" {
			p.Frequency = preference.FrequencyImmediate
		}
		if !p.Frequency.Valid() {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown frequency at index " + strconv.Itoa(i)})
			return
		}
		if p.Timezone == "" {
			p.Timezone = "UTC"
		}
		if err := s.prefs.Upsert(c.Request.Context(), p); err != nil {
			s.serverError(c, err, "failed to save preference")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(body.Preferences)})
}

func (s *Server) getStats(c *gin.Context) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "start must be RFC 3339"})
			return
		}
		start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "end must be RFC 3339"})
			return
		}
		end = t
	}
	if !start.Before(end) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "start must be before end"})
		return
	}

	if ch := notification.Channel(c.Query("channel")); ch != "" {
		if !ch.Valid() {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown channel"})
			return
		}
		perf, err := s.analytics.ChannelPerformance(c.Request.Context(), ch, start, end)
		if err != nil {
			s.serverError(c, err, "failed to compute channel stats")
			return
		}
		c.JSON(http.StatusOK, perf)
		return
	}

	overview, err := s.analytics.Overview(c.Request.Context(), start, end)
	if err != nil {
		s.serverError(c, err, "failed to compute stats")
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (s *Server) getHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	checks := gin.H{}

	if err := s.db.PingContext(ctx); err != nil {
		checks["postgres"] = "down: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["postgres"] = "up"
	}

	if err := s.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "down: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["redis"] = "up"
		if stats, err := s.queue.Stats(ctx); err == nil {
			checks["queue"] = stats
		}
	}

	checks["breakers"] = s.breakers.States()

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"checks": checks,
	})
}

// callbackRequest is the normalized provider callback shape. Providers
// post their delivery-status transitions here keyed by the delivery id
// they returned at dispatch time.
type callbackRequest struct {
	ProviderDeliveryID string     `json:"provider_delivery_id" binding:"required"`
	Status             string     `json:"status" binding:"required"`
	Reason             string     `json:"reason"`
	Timestamp          *time.Time `json:"timestamp"`
}

func (s *Server) providerCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid callback body: " + err.Error()})
		return
	}

	at := time.Now().UTC()
	if req.Timestamp != nil {
		at = req.Timestamp.UTC()
	}

	ctx := c.Request.Context()
	var err error
	switch req.Status {
	case "delivered":
		err = s.engine.ConfirmDelivered(ctx, req.ProviderDeliveryID, at)
	case "read", "opened":
		err = s.engine.ConfirmRead(ctx, req.ProviderDeliveryID, at)
	case "failed", "bounced", "undelivered":
		reason := req.Reason
		if reason == "" {
			reason = "provider reported " + req.Status
		}
		err = s.engine.ConfirmFailed(ctx, req.ProviderDeliveryID, reason, at)
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown callback status"})
		return
	}

	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "unknown provider delivery id"})
			return
		}
		s.serverError(c, err, "failed to apply callback")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) serverError(c *gin.Context, err error, msg string) {
	telemetry.WithTrace(c.Request.Context(), s.log).WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
