package http

import (
	"net/http"
	"strconv"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/middleware"
	"livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

type StreamHandler struct {
	hub        ports.HubService
	streams    ports.StreamRepository
	stats      ports.StatsService
	chat       ports.ChatService
	recordings ports.RecordingService
}

func NewStreamHandler(
	hub ports.HubService,
	streams ports.StreamRepository,
	stats ports.StatsService,
	chat ports.ChatService,
	recordings ports.RecordingService,
) *StreamHandler {
	return &StreamHandler{
		hub:        hub,
		streams:    streams,
		stats:      stats,
		chat:       chat,
		recordings: recordings,
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine, jwtSecret string) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id", middleware.OptionalAuthMiddleware(jwtSecret), h.GetStream)
		api.GET("/streams/:id/stats", h.GetStreamStats)
		api.GET("/streams/:id/chat", h.GetChatHistory)
		api.GET("/streams/:id/recording", h.GetRecordingURL)

		authed := api.Group("", middleware.AuthMiddleware(jwtSecret))
		{
			authed.POST("/streams", h.CreateStream)
			authed.POST("/streams/:id/rotate-key", h.RotateKey)
			authed.POST("/streams/:id/chat/:seq/flag", h.FlagChatMessage)
		}
	}
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	var req struct {
		Title       string `json:"title" binding:"required,min=1,max=200"`
		Description string `json:"description" binding:"max=2000"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	owner, ok := middleware.UserID(c)
	if !ok {
		c.Error(errors.NewAuthError("authentication required"))
		return
	}

	stream, err := h.hub.CreateStream(c.Request.Context(), owner, req.Title, req.Description)
	if err != nil {
		c.Error(err)
		return
	}

	// the only response that carries the stream key
	c.JSON(http.StatusCreated, gin.H{
		"stream":     publicStream(stream),
		"stream_key": stream.StreamKey,
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	stream, err := h.streams.GetByID(c.Request.Context(), streamID)
	if err != nil {
		c.Error(err)
		return
	}

	resp := gin.H{"stream": publicStream(stream)}
	if owner, ok := middleware.UserID(c); ok && owner == stream.Owner {
		resp["stream_key"] = stream.StreamKey
	}
	c.JSON(http.StatusOK, resp)
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams, err := h.streams.ListLive(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]gin.H, 0, len(streams))
	for _, stream := range streams {
		out = append(out, publicStream(stream))
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

func (h *StreamHandler) GetStreamStats(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	if _, err := h.streams.GetByID(c.Request.Context(), streamID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": h.stats.Snapshot(streamID)})
}

func (h *StreamHandler) GetChatHistory(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	sinceSeq, _ := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.Error(errors.NewInvalidInputError("limit must be a positive integer"))
		return
	}

	msgs, err := h.chat.History(c.Request.Context(), streamID, sinceSeq, limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *StreamHandler) GetRecordingURL(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	url, err := h.recordings.RetrievalURL(c.Request.Context(), streamID)
	if err != nil {
		// a capture still in progress is not a missing recording
		if rec, aerr := h.recordings.ActiveRecording(streamID); aerr == nil {
			c.JSON(http.StatusOK, gin.H{
				"status":     rec.Status,
				"chunks":     rec.Chunks,
				"bytes":      rec.Bytes,
				"started_at": rec.StartedAt,
			})
			return
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *StreamHandler) RotateKey(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	owner, ok := middleware.UserID(c)
	if !ok {
		c.Error(errors.NewAuthError("authentication required"))
		return
	}

	newKey, err := h.hub.RotateKey(c.Request.Context(), streamID, owner)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_key": newKey})
}

func (h *StreamHandler) FlagChatMessage(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.Error(errors.NewInvalidInputError("seq must be an unsigned integer"))
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.Error(errors.NewAuthError("authentication required"))
		return
	}
	stream, err := h.streams.GetByID(c.Request.Context(), streamID)
	if err != nil {
		c.Error(err)
		return
	}
	if stream.Owner != userID {
		c.Error(errors.NewAuthError("only the stream owner can flag messages"))
		return
	}

	if err := h.chat.Flag(c.Request.Context(), streamID, seq); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flagged"})
}

// publicStream strips the credential before a stream leaves the API.
func publicStream(s *domain.Stream) gin.H {
	return gin.H{
		"id":           s.ID,
		"owner":        s.Owner,
		"title":        s.Title,
		"description":  s.Description,
		"state":        s.State,
		"viewer_count": s.ViewerCount,
		"qualities":    s.Qualities,
		"created_at":   s.CreatedAt,
		"started_at":   s.StartedAt,
		"ended_at":     s.EndedAt,
	}
}
