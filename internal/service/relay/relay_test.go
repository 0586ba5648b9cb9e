package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

type message struct {
	mt   int
	data []byte
}

// pipeEndpoint reads from in and records writes. Closing in ends reads
// with io.EOF, Close ends them with net.ErrClosed.
type pipeEndpoint struct {
	in     chan message
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []message
}

func newPipeEndpoint() *pipeEndpoint {
	return &pipeEndpoint{in: make(chan message, 16), closed: make(chan struct{})}
}

func (p *pipeEndpoint) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-p.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return m.mt, m.data, nil
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

func (p *pipeEndpoint) WriteMessage(mt int, data []byte) error {
	select {
	case <-p.closed:
		return net.ErrClosed
	default:
	}
	p.mu.Lock()
	p.written = append(p.written, message{mt, data})
	p.mu.Unlock()
	return nil
}

func (p *pipeEndpoint) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeEndpoint) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pipeEndpoint) writes() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.written...)
}

func TestRun_ClientHangupClosesBackend(t *testing.T) {
	is := is.New(t)
	client, backend := newPipeEndpoint(), newPipeEndpoint()

	for i := 0; i < 3; i++ {
		client.in <- message{websocket.BinaryMessage, []byte{byte(i)}}
	}
	close(client.in)

	res := New(nil, zerolog.Nop()).Run(context.Background(), client, backend)

	is.Equal(res.ClientToBackend, 3)                  // every frame before hang-up forwarded
	is.True(backend.isClosed())                       // backend closed after client left
	is.True(client.isClosed())                        // client closed as well
	is.True(errors.Is(res.ClientErr, io.EOF))         // client loop ended by hang-up
	is.True(errors.Is(res.BackendErr, net.ErrClosed)) // backend loop unblocked by close
	is.NoErr(res.Err())                               // normal hang-ups are not errors

	got := backend.writes()
	is.Equal(got[2].mt, websocket.BinaryMessage) // message type preserved
}

func TestRun_BackendFailureClosesClient(t *testing.T) {
	is := is.New(t)
	client, backend := newPipeEndpoint(), newPipeEndpoint()

	backend.in <- message{websocket.TextMessage, []byte(`{"type":"realtime","text":"hi"}`)}

	failing := &failingEndpoint{pipeEndpoint: backend, failAfter: 1}
	res := New(nil, zerolog.Nop()).Run(context.Background(), client, failing)

	is.True(client.isClosed())       // client closed after backend failure
	is.Equal(res.BackendToClient, 1) // the message before the failure was delivered
	is.True(res.BackendErr != nil)   // backend failure recorded
	is.True(res.ClientErr != nil)    // client loop outcome recorded too
	is.True(res.Err() != nil)        // abnormal failure surfaces

	got := client.writes()
	is.Equal(got[0].mt, websocket.TextMessage)
}

// failingEndpoint returns an error after failAfter successful reads.
type failingEndpoint struct {
	*pipeEndpoint
	failAfter int
	reads     int
}

func (f *failingEndpoint) ReadMessage() (int, []byte, error) {
	if f.reads >= f.failAfter {
		return 0, nil, errors.New("backend crashed")
	}
	f.reads++
	return f.pipeEndpoint.ReadMessage()
}

func TestRun_ContextCancelTearsDown(t *testing.T) {
	is := is.New(t)
	client, backend := newPipeEndpoint(), newPipeEndpoint()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- New(nil, zerolog.Nop()).Run(ctx, client, backend) }()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	is.True(client.isClosed())
	is.True(backend.isClosed())
}

func TestHandler_ForwardsUntilClientDisconnects(t *testing.T) {
	is := is.New(t)

	var (
		mu       sync.Mutex
		received int
	)
	backendClosed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		defer close(backendClosed)
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received++
			n := received
			mu.Unlock()
			if mt == websocket.BinaryMessage && n == 1 {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"realtime","text":"..."}`))
			}
		}
	}))
	defer backendSrv.Close()

	h := NewHandler("ws"+strings.TrimPrefix(backendSrv.URL, "http"), nil)
	relaySrv := httptest.NewServer(h)
	defer relaySrv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relaySrv.URL, "http"), nil)
	is.NoErr(err)

	for i := 0; i < 10; i++ {
		is.NoErr(client.WriteMessage(websocket.BinaryMessage, []byte{byte(i), 0, 0, 0}))
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := client.ReadMessage()
	is.NoErr(err)
	is.Equal(mt, websocket.TextMessage) // backend text relayed to client
	is.True(strings.Contains(string(msg), "realtime"))

	client.Close()

	select {
	case <-backendClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("backend did not observe the disconnect")
	}
	h.Wait()

	mu.Lock()
	defer mu.Unlock()
	is.Equal(received, 10) // nothing forwarded after disconnect
}

func TestHandler_DialFailureClosesClient(t *testing.T) {
	is := is.New(t)

	h := NewHandler("ws://127.0.0.1:1/ws/stt", nil)
	relaySrv := httptest.NewServer(h)
	defer relaySrv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relaySrv.URL, "http"), nil)
	is.NoErr(err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = client.ReadMessage()
	is.True(websocket.IsCloseError(err, websocket.CloseNormalClosure)) // client told to go away
}

func TestHandler_ShutdownEndsRelays(t *testing.T) {
	is := is.New(t)

	upgrader := websocket.Upgrader{}
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer backendSrv.Close()

	h := NewHandler("ws"+strings.TrimPrefix(backendSrv.URL, "http"), nil)
	relaySrv := httptest.NewServer(h)
	defer relaySrv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relaySrv.URL, "http"), nil)
	is.NoErr(err)
	defer client.Close()

	// A round trip proves both legs are up.
	is.NoErr(client.WriteMessage(websocket.TextMessage, []byte("ping")))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	is.NoErr(err)
	is.Equal(string(msg), "ping")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	is.NoErr(h.Shutdown(ctx))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	is.True(err != nil) // relay closed the client
}
