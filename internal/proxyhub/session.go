package proxyhub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reverseproxy/internal/protocol"
)

// sessionState is the TunnelSession lifecycle: CONNECTING and
// AUTHENTICATING happen during the handshake (server.go), before a
// Session value exists; a Session is always born READY.
type sessionState int32

const (
	stateReady sessionState = iota
	stateClosing
	stateClosed
)

// TunnelSession owns one live transport to one device agent: frame
// encode/decode, heartbeat, and message<->request correlation.
type TunnelSession struct {
	deviceID  string
	cameraIDs []string

	codec *protocol.Codec
	conn  *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]*PendingRequest

	inFlight      atomic.Int64
	maxConcurrent int64

	state atomic.Int32

	done        chan struct{}
	closeOnce   sync.Once
	closeReason string

	heartbeatTimeout time.Duration
	requestDeadline  time.Duration
	lastFrameAt      atomic.Int64 // unix nanos
}

// NewSession wraps an authenticated, registered agent connection.
// Starts the read loop and heartbeat watchdog; the caller must Close it.
func NewSession(deviceID string, cameraIDs []string, conn *websocket.Conn, heartbeatTimeout, requestDeadline time.Duration, maxConcurrent int64) *TunnelSession {
	s := &TunnelSession{
		deviceID:         deviceID,
		cameraIDs:        append([]string(nil), cameraIDs...),
		codec:            protocol.NewCodec(conn),
		conn:             conn,
		pending:          make(map[string]*PendingRequest),
		maxConcurrent:    maxConcurrent,
		done:             make(chan struct{}),
		heartbeatTimeout: heartbeatTimeout,
		requestDeadline:  requestDeadline,
	}
	s.lastFrameAt.Store(time.Now().UnixNano())
	conn.SetPingHandler(func(string) error {
		s.lastFrameAt.Store(time.Now().UnixNano())
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		s.lastFrameAt.Store(time.Now().UnixNano())
		return nil
	})
	go s.readLoop()
	go s.heartbeatLoop()
	go s.pingLoop()
	return s
}

// DeviceID returns the owning device's identifier.
func (s *TunnelSession) DeviceID() string { return s.deviceID }

// CameraIDs returns the camera ids captured at registration.
func (s *TunnelSession) CameraIDs() []string { return append([]string(nil), s.cameraIDs...) }

// PendingCount returns the number of outstanding requests in the
// session's pending table (used by tests to assert cancellation doesn't
// leak entries).
func (s *TunnelSession) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Done returns a channel closed when the session reaches CLOSED.
func (s *TunnelSession) Done() <-chan struct{} { return s.done }

// TryAcquire reserves one in-flight slot, enforcing the per-device
// concurrency cap (supplemental feature; rejects fast with false when
// the device is already saturated, before any frame reaches the wire).
func (s *TunnelSession) TryAcquire() bool {
	if s.maxConcurrent <= 0 {
		return true
	}
	for {
		cur := s.inFlight.Load()
		if cur >= s.maxConcurrent {
			return false
		}
		if s.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns an in-flight slot acquired via TryAcquire.
func (s *TunnelSession) Release() {
	s.inFlight.Add(-1)
}

// dispatch allocates a PendingRequest, installs it, and sends the text
// frame under the codec's send mutex.
func (s *TunnelSession) dispatch(typ protocol.Tag, kind RequestKind, payload any) (*PendingRequest, error) {
	if sessionState(s.state.Load()) != stateReady {
		return nil, ErrDisconnected
	}
	id := protocol.NewRequestID()
	deadline := time.Time{}
	if kind == KindList {
		deadline = time.Now().Add(s.requestDeadline)
	}
	pr := newPendingRequest(id, kind, deadline)

	s.pendingMu.Lock()
	s.pending[id] = pr
	s.pendingMu.Unlock()

	if err := s.codec.WriteText(id, typ, payload); err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("writing request frame: %w", err)
	}
	return pr, nil
}

// SendListVideos dispatches a LIST_VIDEOS request.
func (s *TunnelSession) SendListVideos(req protocol.ListVideosReq) (*PendingRequest, error) {
	return s.dispatch(protocol.TagListVideos, KindList, req)
}

// SendReadFile dispatches a dual-mode READ_FILE request.
func (s *TunnelSession) SendReadFile(req protocol.ReadFileReq) (*PendingRequest, error) {
	return s.dispatch(protocol.TagReadFile, KindRead, req)
}

// Cancel cancels a PendingRequest locally and emits a best-effort
// CANCEL frame so the agent may stop producing chunks early. There is
// no guarantee the agent honors it; the proxy has already dropped the
// request regardless.
func (s *TunnelSession) Cancel(pr *PendingRequest) {
	s.removePending(pr.ID)
	pr.Cancel()
	_ = s.codec.WriteText(pr.ID, protocol.TagCancel, struct{}{})
}

func (s *TunnelSession) removePending(id string) *PendingRequest {
	s.pendingMu.Lock()
	pr, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if !ok {
		return nil
	}
	return pr
}

// Close transitions the session to CLOSED, atomically failing every
// pending request with ErrDisconnected. One-shot.
func (s *TunnelSession) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))
		s.closeReason = reason
		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[string]*PendingRequest)
		s.pendingMu.Unlock()
		for _, pr := range pending {
			pr.fail(ErrDisconnected)
		}
		s.codec.Close()
		s.state.Store(int32(stateClosed))
		close(s.done)
		slog.Info("tunnel session closed", "device_id", s.deviceID, "reason", reason)
	})
}

// CloseReason returns the terminal reason, empty until closed.
func (s *TunnelSession) CloseReason() string { return s.closeReason }

// readLoop demultiplexes incoming frames onto the pending table. It is
// the single reader for this session, which is what keeps per-request
// frame order intact.
func (s *TunnelSession) readLoop() {
	defer s.Close("transport-error")
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Warn("tunnel decode/read error", "device_id", s.deviceID, "err", err)
				return
			}
		}
		s.lastFrameAt.Store(time.Now().UnixNano())

		switch {
		case frame.Text != nil:
			s.handleText(frame.Text)
		case frame.Binary != nil:
			s.handleBinary(frame.Binary)
		}
	}
}

func (s *TunnelSession) handleText(f *protocol.TextFrame) {
	switch f.Type {
	case protocol.TagListVideosRes:
		pr := s.removePending(f.ID)
		if pr == nil {
			slog.Warn("list_videos_res for unknown request", "device_id", s.deviceID, "id", f.ID)
			return
		}
		var res protocol.ListVideosRes
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			slog.Error("malformed list_videos_res payload", "device_id", s.deviceID, "err", err)
			pr.completeError(fmt.Errorf("malformed reply: %w", err))
			return
		}
		pr.completeList(&res)

	case protocol.TagReadFileRes:
		s.pendingMu.Lock()
		pr, ok := s.pending[f.ID]
		s.pendingMu.Unlock()
		if !ok {
			slog.Warn("read_file_res for unknown request", "device_id", s.deviceID, "id", f.ID)
			return
		}
		var meta protocol.ReadFileRes
		if err := json.Unmarshal(f.Payload, &meta); err != nil {
			slog.Error("malformed read_file_res payload", "device_id", s.deviceID, "err", err)
			return
		}
		pr.completeMeta(meta)

	case protocol.TagError:
		pr := s.removePending(f.ID)
		if pr == nil {
			slog.Warn("error frame for unknown request", "device_id", s.deviceID, "id", f.ID)
			return
		}
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(f.Payload, &ep)
		pr.completeError(&AgentError{Code: ep.Code, Message: ep.Message})

	default:
		slog.Error("unknown tunnel frame type, closing session", "device_id", s.deviceID, "type", f.Type)
		go s.Close("protocol-error")
	}
}

func (s *TunnelSession) handleBinary(b *protocol.BinaryChunk) {
	s.pendingMu.Lock()
	pr, ok := s.pending[b.RequestID]
	s.pendingMu.Unlock()
	if !ok || pr.Kind != KindRead {
		slog.Warn("binary frame for unknown or non-streaming request", "device_id", s.deviceID, "id", b.RequestID)
		return
	}
	if b.EOS() {
		s.removePending(b.RequestID)
		pr.closeStream()
		return
	}
	pr.pushChunk(b.Payload)
}

// heartbeatLoop closes the session if no frame has been received for
// heartbeatTimeout.
func (s *TunnelSession) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastFrameAt.Load())
			if time.Since(last) > s.heartbeatTimeout {
				slog.Warn("tunnel heartbeat timeout", "device_id", s.deviceID, "silence", time.Since(last))
				s.Close("heartbeat-timeout")
				return
			}
		case <-s.done:
			return
		}
	}
}

// pingLoop sends transport-level websocket pings to keep the
// connection alive and prompt a pong that refreshes lastFrameAt.
func (s *TunnelSession) pingLoop() {
	ticker := time.NewTicker(s.heartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// AgentError wraps a device-reported ERROR frame.
type AgentError struct {
	Code    string
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error %s: %s", e.Code, e.Message)
}
