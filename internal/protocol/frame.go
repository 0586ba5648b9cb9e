// Package protocol implements the inbound binary frame format:
//
//	[4-byte little-endian metadata length][UTF-8 JSON metadata][PCM16 LE mono audio]
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

const headerSize = 4

// ErrMalformedFrame is returned for any frame that cannot be decoded as a whole.
var ErrMalformedFrame = errors.New("malformed frame")

// Metadata is the JSON header of a frame. Empty SessionID/UserID mean the
// client did not declare them.
type Metadata struct {
	SessionID  string `json:"sessionId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	SampleRate int    `json:"sampleRate"`
}

type wireMetadata struct {
	SessionID  *string  `json:"sessionId"`
	UserID     *string  `json:"userId"`
	SampleRate *float64 `json:"sampleRate"`
}

// Decode splits a frame into its metadata and audio payload. The returned
// payload aliases message.
func Decode(message []byte) (Metadata, []byte, error) {
	if len(message) < headerSize {
		return Metadata{}, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(message), headerSize)
	}

	metaLen := uint64(binary.LittleEndian.Uint32(message[:headerSize]))
	if metaLen > uint64(len(message)-headerSize) {
		return Metadata{}, nil, fmt.Errorf("%w: metadata length %d exceeds frame size %d", ErrMalformedFrame, metaLen, len(message))
	}

	raw := message[headerSize : headerSize+int(metaLen)]
	if !utf8.Valid(raw) {
		return Metadata{}, nil, fmt.Errorf("%w: metadata is not valid UTF-8", ErrMalformedFrame)
	}

	var wire wireMetadata
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: metadata json: %v", ErrMalformedFrame, err)
	}

	rate, err := sampleRate(wire.SampleRate)
	if err != nil {
		return Metadata{}, nil, err
	}

	meta := Metadata{SampleRate: rate}
	if wire.SessionID != nil {
		meta.SessionID = *wire.SessionID
	}
	if wire.UserID != nil {
		meta.UserID = *wire.UserID
	}

	return meta, message[headerSize+int(metaLen):], nil
}

func sampleRate(v *float64) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: sampleRate is required", ErrMalformedFrame)
	}
	r := *v
	if r <= 0 || r != math.Trunc(r) || r > math.MaxInt32 {
		return 0, fmt.Errorf("%w: sampleRate %v is not a positive integer", ErrMalformedFrame, r)
	}
	return int(r), nil
}

// Encode builds a frame from metadata and a PCM payload.
func Encode(meta Metadata, pcm []byte) ([]byte, error) {
	if meta.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sampleRate %d is not positive", ErrMalformedFrame, meta.SampleRate)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(raw, pcm), nil
}

// EncodeRaw frames an already serialized metadata document. Clients that
// add extra fields (e.g. a timestamp) use it directly.
func EncodeRaw(metadata, pcm []byte) []byte {
	frame := make([]byte, headerSize+len(metadata)+len(pcm))
	binary.LittleEndian.PutUint32(frame, uint32(len(metadata)))
	copy(frame[headerSize:], metadata)
	copy(frame[headerSize+len(metadata):], pcm)
	return frame
}
