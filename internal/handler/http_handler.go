package handler

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/plateful/chat/internal/directory"
	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/identity"
	"github.com/plateful/chat/internal/log"
	"github.com/plateful/chat/internal/media"
	"github.com/plateful/chat/internal/store"
)

// APIResponse is the envelope for JSON responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HistoryResponse is the payload for the room history endpoint.
type HistoryResponse struct {
	Room     domain.Room      `json:"room"`
	Messages []domain.Message `json:"messages"`
}

// HTTPHandler serves the REST surface: room history and health.
type HTTPHandler struct {
	identity  identity.Provider
	directory directory.Directory
	store     store.MessageStore
	media     media.Storage
	urlTTL    time.Duration
}

// NewHTTPHandler creates the REST handler.
func NewHTTPHandler(
	idp identity.Provider,
	dir directory.Directory,
	msgStore store.MessageStore,
	mediaStore media.Storage,
	urlTTL time.Duration,
) *HTTPHandler {
	return &HTTPHandler{
		identity:  idp,
		directory: dir,
		store:     msgStore,
		media:     mediaStore,
		urlTTL:    urlTTL,
	}
}

// RegisterRoutes mounts the REST routes on the engine.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.handleHealth)

	api := r.Group("/api/v1")
	api.GET("/rooms/:id/messages", h.handleRoomHistory)
	api.POST("/rooms/:id/images", h.handleImageUpload)
}

func (h *HTTPHandler) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// handleRoomHistory returns the durable history for a room the caller
// is a member of, oldest first, with image keys resolved to URLs.
func (h *HTTPHandler) handleRoomHistory(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	user, err := h.identity.CurrentUser(ctx, bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, APIResponse{Success: false, Error: "unauthenticated"})
		return
	}

	roomID := c.Param("id")
	room, err := h.directory.GetRoom(ctx, roomID, user.ID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "room not found"})
			return
		}
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("directory lookup failed")
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	messages, err := h.store.ListMessages(ctx, roomID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("history fetch failed")
		c.JSON(http.StatusServiceUnavailable, APIResponse{Success: false, Error: "history temporarily unavailable"})
		return
	}

	for i := range messages {
		messages[i].ImageURL = h.resolveImageURL(c, messages[i].ImageKey)
	}

	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    HistoryResponse{Room: room, Messages: messages},
	})
}

// UploadResponse is the payload for a stored image.
type UploadResponse struct {
	ImageKey string `json:"image_key"`
	ImageURL string `json:"image_url"`
}

// handleImageUpload stores an image attachment for a room the caller is
// a member of and returns the key to reference in a send.
func (h *HTTPHandler) handleImageUpload(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	user, err := h.identity.CurrentUser(ctx, bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, APIResponse{Success: false, Error: "unauthenticated"})
		return
	}

	roomID := c.Param("id")
	if _, err := h.directory.GetRoom(ctx, roomID, user.ID); err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "room not found"})
			return
		}
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("directory lookup failed")
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "image file is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "failed to read image"})
		return
	}
	defer file.Close()

	key := fmt.Sprintf("rooms/%s/%s%s", roomID, uuid.New().String(), filepath.Ext(fileHeader.Filename))
	contentType := fileHeader.Header.Get("Content-Type")
	if err := h.media.Write(ctx, key, file, fileHeader.Size, contentType); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("image store failed")
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "failed to store image"})
		return
	}

	c.JSON(http.StatusCreated, APIResponse{
		Success: true,
		Data: UploadResponse{
			ImageKey: key,
			ImageURL: h.resolveImageURL(c, key),
		},
	})
}

func (h *HTTPHandler) resolveImageURL(c *gin.Context, key string) string {
	if key == "" || h.media == nil {
		return ""
	}
	url, err := h.media.GetURL(c.Request.Context(), key, h.urlTTL)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Str("image_key", key).Msg("image url resolve failed")
		return ""
	}
	return url
}

// bearerToken extracts the token from the Authorization header or the
// token query parameter (websocket clients cannot set headers).
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}
