// Package relay forwards a client WebSocket to a remote transcription
// backend without looking at the payload.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"realtime-stt-service/internal/observability/metrics"
)

// Endpoint is one side of a relay. *websocket.Conn satisfies it.
type Endpoint interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// controlWriter is implemented by endpoints that can send a close frame
// before the transport is torn down.
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Result collects the outcome of both forwarding loops.
type Result struct {
	ClientToBackend int
	BackendToClient int
	// ClientErr ended the client→backend loop, BackendErr the other one.
	ClientErr  error
	BackendErr error
}

// Err joins the loop errors that were not a normal hang-up.
func (r Result) Err() error {
	var errs []error
	if !IsNormalClose(r.ClientErr) {
		errs = append(errs, r.ClientErr)
	}
	if !IsNormalClose(r.BackendErr) {
		errs = append(errs, r.BackendErr)
	}
	return errors.Join(errs...)
}

// IsNormalClose reports whether err is an ordinary end of a connection.
func IsNormalClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

// Relay pairs client and backend endpoints.
type Relay struct {
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a relay.
func New(m *metrics.Metrics, log zerolog.Logger) *Relay {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Relay{metrics: m, log: log}
}

// Run copies messages in both directions until either side fails or ctx
// ends. The first failure closes both endpoints so the other loop's
// pending read returns. Backend is closed before client.
func (r *Relay) Run(ctx context.Context, client, backend Endpoint) Result {
	var backendOnce, clientOnce sync.Once
	closeBackend := func() { backendOnce.Do(func() { closeEndpoint(backend) }) }
	closeClient := func() { clientOnce.Do(func() { closeEndpoint(client) }) }
	teardown := func() {
		closeBackend()
		closeClient()
	}

	r.metrics.RecordRelayStart()
	defer r.metrics.RecordRelayEnd()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			teardown()
		case <-stop:
		}
	}()

	var res Result
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer teardown()
		res.ClientToBackend, res.ClientErr = r.forward(client, backend, "client_to_backend")
	}()
	go func() {
		defer wg.Done()
		defer teardown()
		res.BackendToClient, res.BackendErr = r.forward(backend, client, "backend_to_client")
	}()

	wg.Wait()
	close(stop)

	r.log.Info().
		Int("clientToBackend", res.ClientToBackend).
		Int("backendToClient", res.BackendToClient).
		AnErr("clientErr", res.ClientErr).
		AnErr("backendErr", res.BackendErr).
		Msg("Relay session ended")
	return res
}

// forward copies messages from src to dst, preserving message types.
func (r *Relay) forward(src, dst Endpoint, direction string) (int, error) {
	n := 0
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			r.logLoopEnd(direction, err)
			return n, err
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			r.logLoopEnd(direction, err)
			return n, err
		}
		n++
		r.metrics.RecordRelayMessage(direction)
	}
}

func (r *Relay) logLoopEnd(direction string, err error) {
	if IsNormalClose(err) {
		r.log.Debug().Err(err).Str("direction", direction).Msg("Relay loop closed")
		return
	}
	r.log.Warn().Err(err).Str("direction", direction).Msg("Relay loop failed")
}

func closeEndpoint(e Endpoint) {
	if cw, ok := e.(controlWriter); ok {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		cw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	e.Close()
}
