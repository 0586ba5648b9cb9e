// Package viewer streams published sentences to browsers over WebSocket.
package viewer

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"realtime-stt-service/internal/events"
	"realtime-stt-service/internal/journal"
	"realtime-stt-service/internal/models"
)

//go:embed static/*
var staticFiles embed.FS

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Viewer wires a broker subscription to a Hub and serves the page.
type Viewer struct {
	hub     *Hub
	sub     events.Subscriber
	channel string
	journal journal.Journal
}

// New creates a viewer. journal may be nil, which disables history.
func New(sub events.Subscriber, channel string, j journal.Journal) *Viewer {
	if j == nil {
		j = journal.Nop{}
	}
	return &Viewer{hub: NewHub(), sub: sub, channel: channel, journal: j}
}

// Hub exposes the hub, mainly for tests.
func (v *Viewer) Hub() *Hub {
	return v.hub
}

// Run starts the hub and consumes the channel until ctx is done.
func (v *Viewer) Run(ctx context.Context) error {
	go v.hub.Run(ctx)

	log.Info().Str("channel", v.channel).Msg("Viewer consuming sentences")
	return v.sub.Subscribe(ctx, v.channel, func(payload []byte) {
		var msg models.SentenceMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn().Err(err).Msg("Viewer ignoring undecodable message")
			return
		}
		log.Debug().Str("sessionId", msg.SessionID).Str("text", truncate(msg.Text, 40)).Msg("Viewer received sentence")
		v.hub.Broadcast(payload)
	})
}

// Handler returns the HTTP routes: the page, /ws and the history API.
func (v *Viewer) Handler() http.Handler {
	r := chi.NewRouter()

	staticFS, _ := fs.Sub(staticFiles, "static")
	r.Get("/ws", v.serveWS)
	r.Get("/api/sessions/{sessionID}/sentences", v.serveHistory)
	r.Handle("/*", http.FileServer(http.FS(staticFS)))
	return r
}

func (v *Viewer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Viewer upgrade failed")
		return
	}
	if !v.hub.add(conn) {
		conn.Close()
		return
	}

	go func() {
		defer v.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (v *Viewer) serveHistory(w http.ResponseWriter, r *http.Request) {
	sentences, err := v.journal.Sentences(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		log.Error().Err(err).Msg("Viewer history query failed")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if sentences == nil {
		sentences = []models.SentenceMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sentences)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
