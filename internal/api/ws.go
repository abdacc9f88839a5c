package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 4096
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
			return ok
		},
	}
}

// handleWorkflowSubscribe serves /connect/{workflow}. Only the configured
// workflow exists.
func (s *Server) handleWorkflowSubscribe(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "workflow") != s.cfg.Workflow() {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	s.handleSubscribe(w, r)
}

// handleSubscribe upgrades the request, registers the connection with the
// coordinator and keeps it open until either side closes it.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("subscriber id generation failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	sub := newWSSubscriber(id, conn, s.clock, s.cfg.WebSocket.SendTimeout)
	defer sub.close()
	logger := s.logger.With(zap.String("subscriber_id", id), zap.String("remote", r.RemoteAddr))

	readLimit := s.cfg.WebSocket.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	if err := s.coordinator.Connect(ctx, sub); err != nil {
		logger.Warn("subscriber connect failed", zap.Error(err))
		return
	}
	defer s.coordinator.Disconnect(id)

	pingInterval := s.cfg.WebSocket.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	sub.extendReadDeadline(2 * pingInterval)
	conn.SetPongHandler(func(string) error {
		sub.extendReadDeadline(2 * pingInterval)
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go sub.keepAlive(ctx, pingInterval, done, logger)

	err = readUntilClosed(conn)
	logger.Info("subscriber disconnected", zap.Error(err))
}

// readUntilClosed discards client messages until the connection fails.
func readUntilClosed(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
	}
}

// wsSubscriber adapts a websocket connection to scrape.Subscriber. Writes are
// serialized, and a result is sent only if its Seq is newer than the last one
// written, so a catch-up racing a broadcast cannot reorder or repeat payloads.
type wsSubscriber struct {
	id        string
	conn      *websocket.Conn
	clock     clockwork.Clock
	writeWait time.Duration

	mu      sync.Mutex
	sent    bool
	lastSeq uint64

	closeOnce sync.Once
}

func newWSSubscriber(id string, conn *websocket.Conn, clock clockwork.Clock, writeWait time.Duration) *wsSubscriber {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &wsSubscriber{id: id, conn: conn, clock: clock, writeWait: writeWait}
}

func (s *wsSubscriber) ID() string {
	return s.id
}

// Send writes the payload as one text frame.
func (s *wsSubscriber) Send(ctx context.Context, result scrape.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sent && result.Seq <= s.lastSeq {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send canceled: %w", err)
	}
	if err := s.conn.SetWriteDeadline(s.deadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(result.Payload)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	s.sent = true
	s.lastSeq = result.Seq
	return nil
}

func (s *wsSubscriber) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (s *wsSubscriber) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(s.writeWait)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

func (s *wsSubscriber) extendReadDeadline(d time.Duration) {
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
}

// keepAlive pings until done closes. A failed ping or a finished request
// context closes the connection, which ends the read loop.
func (s *wsSubscriber) keepAlive(ctx context.Context, interval time.Duration, done <-chan struct{}, logger *zap.Logger) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			s.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-ticker.Chan():
			if err := s.ping(); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logger.Debug("ping failed", zap.Error(err))
				}
				s.close()
				return
			}
		}
	}
}

func (s *wsSubscriber) closeWith(code int, reason string) {
	s.mu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.mu.Unlock()
	s.close()
}

func (s *wsSubscriber) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
