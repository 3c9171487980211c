package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec reads and writes tunnel frames over a websocket connection.
// Writes are serialised on writeMu so that a binary stream's chunks are
// never interleaved mid-frame with another request's frames.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with tunnel frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteText sends a text frame.
func (c *Codec) WriteText(id string, typ Tag, payload any) error {
	data, err := EncodeText(id, typ, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteRaw sends a pre-built text frame payload verbatim (used for the
// handshake's schema-less `{token}` frame, the sole exception to the
// `{id,type,payload}` shape).
func (c *Codec) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteBinary sends a binary chunk frame. An empty payload writes the
// end-of-stream marker.
func (c *Codec) WriteBinary(requestID string, payload []byte) error {
	data, err := EncodeBinary(requestID, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Frame is the decoded union of a text control frame or a binary chunk;
// exactly one of Text, Binary is non-nil.
type Frame struct {
	Text   *TextFrame
	Binary *BinaryChunk
}

// ReadFrame reads and decodes a single frame. Decode failures are fatal
// for the session per the protocol's error handling policy.
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	switch msgType {
	case websocket.TextMessage:
		f, err := DecodeText(data)
		if err != nil {
			return nil, err
		}
		return &Frame{Text: f}, nil
	case websocket.BinaryMessage:
		b, err := DecodeBinary(data)
		if err != nil {
			return nil, err
		}
		return &Frame{Binary: b}, nil
	default:
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
}

// ReadRaw reads a single text message without TextFrame decoding, used
// to read the handshake's schema-less first frame.
func (c *Codec) ReadRaw() ([]byte, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("expected text message for handshake, got type %d", msgType)
	}
	return data, nil
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
