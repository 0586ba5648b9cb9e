package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"realtime-stt-service/internal/observability/logging"
	"realtime-stt-service/internal/observability/metrics"
)

// Handler accepts client connections and relays each to backendURL.
type Handler struct {
	backendURL string
	dialer     *websocket.Dialer
	upgrader   websocket.Upgrader
	metrics    *metrics.Metrics
	wg         sync.WaitGroup

	// base is cancelled by Shutdown and ends every active relay.
	base   context.Context
	cancel context.CancelFunc
}

// NewHandler creates a relay endpoint for backendURL.
func NewHandler(backendURL string, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	h := &Handler{
		backendURL: backendURL,
		dialer:     websocket.DefaultDialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: m,
	}
	h.base, h.cancel = context.WithCancel(context.Background())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	logger := logging.WithConnection("relay", r.RemoteAddr)
	logger.Info().Msg("Connected to relay")

	backend, _, err := h.dialer.DialContext(ctx, h.backendURL, nil)
	if err != nil {
		h.metrics.RecordRelayDialFailure()
		logger.Error().Err(err).Str("backend", h.backendURL).Msg("Failed to connect to transcription backend")
		closeEndpoint(client)
		return
	}
	logger.Info().Str("backend", h.backendURL).Msg("Connected to transcription backend")

	res := New(h.metrics, logger).Run(ctx, client, backend)
	if err := res.Err(); err != nil {
		logger.Warn().Err(err).Msg("Relay ended with errors")
	}
}

// Wait blocks until every relay session has ended.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Shutdown tears down active relays and waits for them until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relays still active: %w", ctx.Err())
	}
}
