package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"

	"realtime-stt-service/internal/models"
	"realtime-stt-service/internal/protocol"
)

// frameMetadata mirrors the browser client's header, which also carries a
// send timestamp the server ignores.
type frameMetadata struct {
	SampleRate int    `json:"sampleRate"`
	Timestamp  int64  `json:"timestamp"`
	SessionID  string `json:"sessionId,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

func main() {
	audioFile := flag.String("audio", "testdata/sample.wav", "Path to a 16-bit PCM WAV file")
	serverURL := flag.String("server", "ws://localhost:8000/ws/stt", "Transcription WebSocket URL")
	sessionID := flag.String("session", "session-"+time.Now().Format("150405"), "Session ID")
	userID := flag.String("user", "user-demo", "User ID")
	chunk := flag.Duration("chunk", 100*time.Millisecond, "Audio per frame, sent in real time")
	linger := flag.Duration("linger", 3*time.Second, "Time to wait for final transcripts after the last frame")
	flag.Parse()

	samples, sampleRate := readWAV(*audioFile)
	log.Printf("WAV file: %d samples at %d Hz (%.1fs)", len(samples), sampleRate, float64(len(samples))/float64(sampleRate))

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *serverURL)

	done := make(chan struct{})
	go func() {
		defer close(done)
		receive(conn)
	}()

	perFrame := int(float64(sampleRate) * chunk.Seconds())
	if perFrame <= 0 {
		log.Fatal("chunk duration too small for the sample rate")
	}

	var frames int
	start := time.Now()
	for off := 0; off < len(samples); off += perFrame {
		end := min(off+perFrame, len(samples))

		meta, err := json.Marshal(frameMetadata{
			SampleRate: sampleRate,
			Timestamp:  time.Now().UnixMilli(),
			SessionID:  *sessionID,
			UserID:     *userID,
		})
		if err != nil {
			log.Fatalf("Failed to encode metadata: %v", err)
		}

		pcm := make([]byte, 2*(end-off))
		for i, s := range samples[off:end] {
			binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeRaw(meta, pcm)); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}
		frames++
		if frames%10 == 0 {
			log.Printf("Sent %d frames", frames)
		}
		time.Sleep(*chunk)
	}
	log.Printf("Finished streaming: %d frames in %v", frames, time.Since(start))

	select {
	case <-done:
		log.Println("Server closed the connection")
		return
	case <-time.After(*linger):
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		log.Printf("Failed to send close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// readWAV decodes path into mono PCM16 samples, averaging channels.
func readWAV(path string) ([]int16, int) {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		log.Fatal("Not a valid WAV file")
	}
	if dec.BitDepth != 16 {
		log.Fatalf("Only 16-bit PCM supported, got %d-bit", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		log.Fatalf("Failed to decode audio: %v", err)
	}

	channels := int(dec.NumChans)
	out := make([]int16, len(buf.Data)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		out[i] = int16(sum / channels)
	}
	return out, int(dec.SampleRate)
}

// receive prints transcripts until the connection closes.
func receive(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read ended: %v", err)
			}
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			log.Printf("Undecodable message: %s", data)
			continue
		}

		switch head.Type {
		case models.TypeRealtime:
			var m models.RealtimeMessage
			if json.Unmarshal(data, &m) == nil {
				log.Printf("... %s", m.Text)
			}
		case models.TypeFullSentence:
			var m models.SentenceMessage
			if json.Unmarshal(data, &m) == nil {
				log.Printf(">>> %s [%s] (stt %.2fs)", m.Text, m.Label, m.STTLatency)
			}
		default:
			log.Printf("Unknown message type %q", head.Type)
		}
	}
}
