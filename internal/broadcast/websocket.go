package broadcast

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// TokenAuthorizer validates stream tokens.
type TokenAuthorizer interface {
	Authorize(token string, role auth.Role) (*auth.Claims, error)
}

// HandlerConfig holds configuration for the stream handler.
type HandlerConfig struct {
	Broadcaster *Broadcaster
	Tokens      TokenAuthorizer
	Logger      zerolog.Logger

	// AllowedOrigins lists browser origins that may connect. Requests without
	// an Origin header are always accepted. Empty allows any origin.
	AllowedOrigins []string
}

// Handler upgrades /v1/stream requests and subscribes the connection to the
// tenant named in its token.
type Handler struct {
	broadcaster *Broadcaster
	tokens      TokenAuthorizer
	logger      zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewHandler creates a stream handler.
func NewHandler(cfg HandlerConfig) *Handler {
	origins := cfg.AllowedOrigins
	return &Handler{
		broadcaster: cfg.Broadcaster,
		tokens:      cfg.Tokens,
		logger:      cfg.Logger.With().Str("component", "stream").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				return slices.Contains(origins, origin)
			},
		},
	}
}

// ServeHTTP authenticates, upgrades and serves one subscriber until it
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing stream token", http.StatusUnauthorized)
		return
	}
	claims, err := h.tokens.Authorize(token, auth.RoleSubscriber)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrForbidden) {
			status = http.StatusForbidden
		}
		http.Error(w, "invalid stream token", status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := newConnSubscriber(conn)
	tenantID := claims.TenantID
	logger := h.logger.With().Str("tenant_id", tenantID).Str("subscriber_id", sub.ID()).Logger()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn().Err(err).Msg("failed to set initial read deadline")
		_ = sub.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	h.broadcaster.Subscribe(tenantID, sub)
	defer func() {
		h.broadcaster.Unsubscribe(tenantID, sub.ID())
		_ = sub.Close()
		logger.Debug().Msg("stream subscriber disconnected")
	}()

	if err := sub.Send(Message{Type: "connected", TenantID: tenantID, SentAt: time.Now().UTC()}); err != nil {
		logger.Warn().Err(err).Msg("failed to send welcome message")
		return
	}
	logger.Debug().Msg("stream subscriber connected")

	done := make(chan struct{})
	defer close(done)
	go sub.pingLoop(done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("stream read error")
			}
			return
		}
	}
}

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter for browser clients that cannot set headers.
func bearerToken(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return h[len(bearerPrefix):]
	}
	return r.URL.Query().Get("token")
}

// connSubscriber is a websocket connection. Gorilla connections allow one
// concurrent writer, so all writes go through mu.
type connSubscriber struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func newConnSubscriber(conn *websocket.Conn) *connSubscriber {
	return &connSubscriber{id: uuid.NewString(), conn: conn}
}

func (s *connSubscriber) ID() string { return s.id }

func (s *connSubscriber) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *connSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *connSubscriber) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
