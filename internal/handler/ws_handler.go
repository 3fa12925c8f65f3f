package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/middleware"
	"github.com/vigilhq/vigil-backend/internal/realtime"
	"github.com/vigilhq/vigil-backend/internal/service"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow-list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// clientFrame is one inbound WebSocket message.
type clientFrame struct {
	Action      string                 `json:"action"`
	Destination string                 `json:"destination"`
	Payload     json.RawMessage        `json:"payload,omitempty"`
}

// WSHandler upgrades connections onto the realtime hub and routes inbound
// exam traffic into the ingestion pipeline.
type WSHandler struct {
	hub      *realtime.Hub
	authz    *service.AuthzService
	ingest   *service.IngestService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	hub *realtime.Hub,
	authz *service.AuthzService,
	ingest *service.IngestService,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		hub:      hub,
		authz:    authz,
		ingest:   ingest,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// Stream godoc
// WS /ws/stream?token=...
// The bearer capability is validated by middleware before the upgrade; every
// subscription and inbound message is authorised individually afterwards.
func (h *WSHandler) Stream(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := h.hub.Register(conn, p)
	defer h.hub.Unregister(client)

	wsLog := h.log.With().
		Str("user_id", p.UserID.String()).
		Str("role", string(p.Role)).
		Logger()
	wsLog.Info().Msg("Realtime client connected")

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		ctx := c.Request.Context()
		switch frame.Action {
		case "subscribe":
			if err := client.Subscribe(ctx, h.authz, frame.Destination); err != nil {
				wsLog.Warn().Err(err).Str("destination", frame.Destination).Msg("Subscribe rejected")
				h.hub.PublishToUser(p.UserID, "SUBSCRIBE_REJECTED", gin.H{"destination": frame.Destination})
			}
		case "unsubscribe":
			client.Unsubscribe(frame.Destination)
		case "send":
			h.handleInbound(c, p, &frame, wsLog)
		default:
			wsLog.Warn().Str("action", frame.Action).Msg("Unknown action")
		}
	}
}

// handleInbound routes one /app message into the ingestion pipeline after
// cross-checking that the sender owns the target session.
func (h *WSHandler) handleInbound(c *gin.Context, p realtime.Principal, frame *clientFrame, wsLog zerolog.Logger) {
	dest, err := realtime.ParseDestination(frame.Destination)
	if err != nil || dest.Kind != realtime.KindAppInbound {
		wsLog.Warn().Str("destination", frame.Destination).Msg("Invalid send destination")
		return
	}

	ctx := c.Request.Context()
	session, err := h.ingest.Session(ctx, dest.SessionID)
	if err != nil {
		wsLog.Warn().Err(err).Str("session_id", dest.SessionID.String()).Msg("Inbound for unknown session")
		return
	}
	if session.UserID != p.UserID {
		wsLog.Warn().
			Str("session_id", dest.SessionID.String()).
			Msg("Inbound from non-owner rejected")
		return
	}

	var payload service.InboundPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			wsLog.Warn().Err(err).Msg("Undecodable inbound payload")
			return
		}
	}

	if err := h.ingest.HandleInbound(ctx, dest.SessionID, dest.Channel, &payload); err != nil {
		wsLog.Error().Err(err).Str("kind", dest.Channel).Msg("Inbound handling failed")
	}
}
