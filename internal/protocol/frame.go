// Package protocol defines the wire format of the tunnel: a single
// ordered, message-framed websocket stream carrying JSON text frames
// for control/correlation and raw-prefixed binary frames for opaque
// byte streams.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Tag is the finite control vocabulary carried in a TextFrame's Type field.
type Tag string

const (
	TagAuthOK        Tag = "AUTH_OK"
	TagAuthFail      Tag = "AUTH_FAIL"
	TagRegister      Tag = "REGISTER"
	TagListVideos    Tag = "LIST_VIDEOS"
	TagListVideosRes Tag = "LIST_VIDEOS_RES"
	TagReadFile      Tag = "READ_FILE"
	TagReadFileRes   Tag = "READ_FILE_RES"
	TagError         Tag = "ERROR"
	TagCancel        Tag = "CANCEL"
)

// uuidTextLen is the length of a canonical hyphenated UUID string
// ("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"), also the binary frame's
// request-id prefix length.
const uuidTextLen = 36

// TextFrame is a single control/correlation message: `{"id","type","payload"}`.
type TextFrame struct {
	ID      string          `json:"id"`
	Type    Tag             `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BinaryChunk is a raw byte frame: a 36-byte request-id prefix followed
// by payload bytes. An empty Payload signals end-of-stream for RequestID.
type BinaryChunk struct {
	RequestID string
	Payload   []byte
}

// EOS reports whether this chunk is the end-of-stream marker.
func (b BinaryChunk) EOS() bool {
	return len(b.Payload) == 0
}

// EncodeText marshals a TextFrame's payload and serialises the frame to JSON bytes.
func EncodeText(id string, typ Tag, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload: %w", err)
		}
		raw = b
	}
	frame := TextFrame{ID: id, Type: typ, Payload: raw}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshalling text frame: %w", err)
	}
	return data, nil
}

// EncodeBinary serialises a binary frame: 36-byte UUID prefix + payload.
// A nil or empty payload produces the end-of-stream marker.
func EncodeBinary(requestID string, payload []byte) ([]byte, error) {
	if _, err := uuid.Parse(requestID); err != nil {
		return nil, fmt.Errorf("invalid request id %q: %w", requestID, err)
	}
	buf := make([]byte, uuidTextLen+len(payload))
	copy(buf, requestID)
	copy(buf[uuidTextLen:], payload)
	return buf, nil
}

// DecodeText parses a JSON text frame.
func DecodeText(data []byte) (*TextFrame, error) {
	var f TextFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding text frame: %w", err)
	}
	return &f, nil
}

// DecodeBinary parses a raw binary frame, validating the UUID prefix.
func DecodeBinary(data []byte) (*BinaryChunk, error) {
	if len(data) < uuidTextLen {
		return nil, fmt.Errorf("binary frame shorter than request-id prefix: %d bytes", len(data))
	}
	idStr := string(data[:uuidTextLen])
	if _, err := uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("binary frame has non-uuid prefix %q: %w", idStr, err)
	}
	payload := make([]byte, len(data)-uuidTextLen)
	copy(payload, data[uuidTextLen:])
	return &BinaryChunk{RequestID: idStr, Payload: payload}, nil
}

// NewRequestID returns a fresh, unique request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
