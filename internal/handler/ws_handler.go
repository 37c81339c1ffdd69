package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/plateful/chat/internal/config"
	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/identity"
	"github.com/plateful/chat/internal/log"
	"github.com/plateful/chat/internal/media"
	"github.com/plateful/chat/internal/session"
)

// Frame types on the websocket wire.
const (
	frameHistory = "history"
	frameUpdate  = "update"
	frameError   = "error"
)

// ServerFrame is a server-to-client websocket message.
type ServerFrame struct {
	Type    string      `json:"type"`
	Room    domain.Room `json:"room,omitempty"`
	Entries []WireEntry `json:"entries,omitempty"`
	Entry   *WireEntry  `json:"entry,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ClientFrame is a client-to-server websocket message: one send.
type ClientFrame struct {
	Content  string `json:"content"`
	ImageKey string `json:"image_key,omitempty"`
}

// WireEntry is a buffer entry shaped for the wire.
type WireEntry struct {
	domain.Message
	State domain.DeliveryState `json:"state"`
}

// WSHandler upgrades room connections and bridges them to sessions.
type WSHandler struct {
	identity identity.Provider
	deps     session.Deps
	media    media.Storage
	cfg      config.WebSocketConfig
	sessCfg  session.Config
	urlTTL   time.Duration
	upgrader websocket.Upgrader
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(
	idp identity.Provider,
	deps session.Deps,
	mediaStore media.Storage,
	cfg config.WebSocketConfig,
	sessCfg session.Config,
	urlTTL time.Duration,
) *WSHandler {
	return &WSHandler{
		identity: idp,
		deps:     deps,
		media:    mediaStore,
		cfg:      cfg,
		sessCfg:  sessCfg,
		urlTTL:   urlTTL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the websocket route on the engine.
func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/rooms/:id", h.handleRoom)
}

// handleRoom authenticates the caller, opens a room session and pumps
// frames both ways until either side disconnects.
func (h *WSHandler) handleRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	user, err := h.identity.CurrentUser(ctx, bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, APIResponse{Success: false, Error: "unauthenticated"})
		return
	}

	roomID := c.Param("id")
	sess, openErr := session.Open(ctx, user, roomID, h.deps, h.sessCfg)
	if sess == nil {
		if errors.Is(openErr, domain.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "room not found"})
			return
		}
		l.Error().Err(openErr).Str(log.FieldRoomID, roomID).Msg("session open failed")
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal error"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		sess.Close()
		return
	}

	l.Info().
		Str(log.FieldRoomID, roomID).
		Str(log.FieldUserID, user.ID).
		Msg("websocket connected")

	history := ServerFrame{
		Type:    frameHistory,
		Room:    sess.Room(),
		Entries: h.wireEntries(c, sess.Snapshot()),
	}
	if openErr != nil {
		// History fetch failed on open; tell the client its view may be
		// incomplete so it can retry.
		history.Error = "history temporarily unavailable"
	}

	go h.writePump(c, conn, sess, history)
	h.readPump(conn, sess)
}

// readPump consumes client send frames until the connection drops, then
// closes the session.
func (h *WSHandler) readPump(conn *websocket.Conn, sess *session.Session) {
	defer func() {
		sess.Close()
		conn.Close()
	}()

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldRoomID, sess.Room().ID).Msg("websocket read error")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			l := log.L()
			l.Warn().Err(err).Msg("malformed client frame")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = sess.Send(ctx, frame.Content, frame.ImageKey)
		cancel()
		if err != nil {
			if errors.Is(err, domain.ErrSessionClosed) {
				return
			}
			// Empty sends and the like come back on the wire, not the log.
			h.writeError(conn, err.Error())
		}
	}
}

// writePump streams buffer updates to the client and keeps the
// connection alive with pings.
func (h *WSHandler) writePump(c *gin.Context, conn *websocket.Conn, sess *session.Session, history ServerFrame) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	if err := h.writeFrame(conn, history); err != nil {
		return
	}

	for {
		select {
		case entry, ok := <-sess.Updates():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			wire := h.wireEntry(c, entry)
			if err := h.writeFrame(conn, ServerFrame{Type: frameUpdate, Entry: &wire}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) writeFrame(conn *websocket.Conn, frame ServerFrame) error {
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	return conn.WriteJSON(frame)
}

func (h *WSHandler) writeError(conn *websocket.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	conn.WriteJSON(ServerFrame{Type: frameError, Error: msg})
}

func (h *WSHandler) wireEntries(c *gin.Context, entries []session.Entry) []WireEntry {
	out := make([]WireEntry, len(entries))
	for i, e := range entries {
		out[i] = h.wireEntry(c, e)
	}
	return out
}

func (h *WSHandler) wireEntry(c *gin.Context, e session.Entry) WireEntry {
	w := WireEntry{Message: e.Message, State: e.State}
	if w.ImageKey != "" && w.ImageURL == "" && h.media != nil {
		if url, err := h.media.GetURL(c.Request.Context(), w.ImageKey, h.urlTTL); err == nil {
			w.ImageURL = url
		}
	}
	return w
}
