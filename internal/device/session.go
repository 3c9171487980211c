package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reverseproxy/internal/protocol"
)

// Session manages the device-side websocket connection to the proxy:
// handshake, request servicing, and keepalive. It holds no cross-request
// state beyond a set of in-flight cancellation flags.
type Session struct {
	codec *protocol.Codec
	conn  *websocket.Conn

	servicer *requestServicer

	cancelMu sync.Mutex
	cancels  map[string]*cancelFlag

	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
}

type cancelFlag struct {
	mu        sync.Mutex
	cancelled bool
}

func (c *cancelFlag) set() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *cancelFlag) get() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Connect dials the proxy's tunnel endpoint (optionally through an
// egress proxy), performs the auth handshake and REGISTER, and returns
// a ready Session.
func Connect(ctx context.Context, cfg *Config, egress *EgressDialer, provider FilesystemProvider) (*Session, error) {
	dialer := websocket.Dialer{}
	if egress != nil {
		dialer.NetDialContext = egress.DialContext
	}

	slog.Info("connecting to proxy", "url", cfg.ProxyURL)
	conn, _, err := dialer.DialContext(ctx, cfg.ProxyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling proxy: %w", err)
	}

	codec := protocol.NewCodec(conn)

	// handshake: the bare {token} frame is the sole schema exception.
	raw, err := json.Marshal(protocol.HandshakeFrame{Token: cfg.DeviceToken})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshalling handshake: %w", err)
	}
	if err := codec.WriteRaw(raw); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	frame, err := codec.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading auth response: %w", err)
	}
	if frame.Text == nil {
		conn.Close()
		return nil, fmt.Errorf("expected text auth response")
	}
	if frame.Text.Type == protocol.TagAuthFail {
		conn.Close()
		return nil, fmt.Errorf("auth rejected by proxy")
	}
	if frame.Text.Type != protocol.TagAuthOK {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake response type %q", frame.Text.Type)
	}

	if err := codec.WriteText("", protocol.TagRegister, protocol.RegisterPayload{
		DeviceID:  cfg.DeviceID,
		CameraIDs: cfg.CameraIDs,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending register: %w", err)
	}

	slog.Info("registered with proxy", "device_id", cfg.DeviceID, "cameras", cfg.CameraIDs)

	pingInterval := cfg.PingInterval()
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}

	return &Session{
		codec:        codec,
		conn:         conn,
		servicer:     newRequestServicer(provider, cfg.ChunkSizeBytes),
		cancels:      make(map[string]*cancelFlag),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}, nil
}

// Run processes frames from the proxy until the tunnel closes.
func (s *Session) Run() error {
	s.conn.SetPingHandler(func(string) error {
		return s.conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})
	go s.pingLoop()
	return s.readLoop()
}

// Close shuts down the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.codec.Close()
	})
}

// Done returns a channel closed when the session shuts down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readLoop() error {
	defer s.Close()
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}
		if frame.Text == nil {
			slog.Warn("unexpected binary frame from proxy")
			continue
		}

		switch frame.Text.Type {
		case protocol.TagListVideos:
			var req protocol.ListVideosReq
			if err := json.Unmarshal(frame.Text.Payload, &req); err != nil {
				slog.Error("malformed list_videos request", "err", err)
				continue
			}
			go s.handleListVideos(frame.Text.ID, req)

		case protocol.TagReadFile:
			var req protocol.ReadFileReq
			if err := json.Unmarshal(frame.Text.Payload, &req); err != nil {
				slog.Error("malformed read_file request", "err", err)
				continue
			}
			go s.handleReadFile(frame.Text.ID, req)

		case protocol.TagCancel:
			s.markCancelled(frame.Text.ID)

		default:
			slog.Warn("unexpected frame type from proxy", "type", frame.Text.Type)
		}
	}
}

func (s *Session) handleListVideos(requestID string, req protocol.ListVideosReq) {
	res := s.servicer.serviceListVideos(req)
	if err := s.codec.WriteText(requestID, protocol.TagListVideosRes, res); err != nil {
		slog.Error("failed to send list_videos_res", "request_id", requestID, "err", err)
	}
}

func (s *Session) handleReadFile(requestID string, req protocol.ReadFileReq) {
	flag := s.registerCancel(requestID)
	defer s.unregisterCancel(requestID)
	s.servicer.serviceReadFile(requestID, req, &sessionChunkSource{session: s, flag: flag})
}

func (s *Session) registerCancel(requestID string) *cancelFlag {
	f := &cancelFlag{}
	s.cancelMu.Lock()
	s.cancels[requestID] = f
	s.cancelMu.Unlock()
	return f
}

func (s *Session) unregisterCancel(requestID string) {
	s.cancelMu.Lock()
	delete(s.cancels, requestID)
	s.cancelMu.Unlock()
}

func (s *Session) markCancelled(requestID string) {
	s.cancelMu.Lock()
	f, ok := s.cancels[requestID]
	s.cancelMu.Unlock()
	if ok {
		f.set()
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// sessionChunkSource adapts Session to the chunkSource interface
// service.go uses to stream a READ_FILE reply.
type sessionChunkSource struct {
	session *Session
	flag    *cancelFlag
}

func (c *sessionChunkSource) writeMeta(requestID string, totalSize int64) error {
	return c.session.codec.WriteText(requestID, protocol.TagReadFileRes, protocol.ReadFileRes{TotalSize: totalSize})
}

func (c *sessionChunkSource) writeChunk(requestID string, b []byte) error {
	return c.session.codec.WriteBinary(requestID, b)
}

func (c *sessionChunkSource) writeEOS(requestID string) error {
	return c.session.codec.WriteBinary(requestID, nil)
}

func (c *sessionChunkSource) writeError(requestID string, code, message string) error {
	return c.session.codec.WriteText(requestID, protocol.TagError, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *sessionChunkSource) cancelled(requestID string) bool {
	return c.flag.get()
}
