package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxFrame = 4 << 10

var errNoTenant = errors.New("token carries no clinic_id")

// Handler upgrades authenticated dashboard connections.
type Handler struct {
	manager  *Manager
	secret   []byte
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(manager *Manager, jwtSecret string, logger zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		secret:  []byte(jwtSecret),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// dashboard origin is enforced by the token
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Mount(r chi.Router) {
	r.Get("/v1/realtime/ws", h.serveWS)
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	tenantID, err := h.tenantFromToken(token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket auth rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrame)
	socket := newWSSocket(conn)

	// the request context is done once the handler returns, so the socket
	// lives on its own context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.manager.Connect(ctx, socket, tenantID); err != nil {
		h.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("socket connect failed")
		_ = conn.Close()
		return
	}
	defer func() {
		h.manager.Disconnect(socket, tenantID)
		_ = socket.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("tenant_id", tenantID).Msg("websocket read error")
			}
			return
		}
		var frame Event
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			pong, _ := json.Marshal(Event{Type: "pong"})
			if err := socket.Send(ctx, pong); err != nil {
				return
			}
		}
	}
}

func (h *Handler) tenantFromToken(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("token missing")
	}
	if len(h.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errNoTenant
	}
	tenantID, _ := claims["clinic_id"].(string)
	if tenantID == "" {
		return "", errNoTenant
	}
	return tenantID, nil
}
