package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler upgrades HTTP requests to WebSocket sessions.
type Handler struct {
	deps     Deps
	upgrader websocket.Upgrader

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
}

// NewHandler creates a session endpoint sharing deps across connections.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		active: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.track(conn, true)
	defer h.track(conn, false)

	c := NewCoordinator(h.deps, conn, r.RemoteAddr)
	defer c.OnDisconnect()

	if err := c.OnConnect(r.Context()); err != nil {
		log.Error().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("Session failed to start")
		return
	}

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("Client connection lost")
			} else {
				log.Info().Str("remoteAddr", r.RemoteAddr).Msg("Client disconnected")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.OnFrame(msg)
	}
}

func (h *Handler) track(conn *websocket.Conn, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.active[conn] = struct{}{}
	} else {
		delete(h.active, conn)
	}
}

// Active returns the number of open sessions.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Wait blocks until every session has finished its teardown.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Shutdown closes all client connections and waits for their sessions to
// tear down, or for ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for conn := range h.active {
		conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
