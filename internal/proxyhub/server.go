package proxyhub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/reverseproxy/internal/protocol"
)

// Server is the proxy process: it accepts device tunnel connections and
// serves the ProxyHub HTTP surface.
type Server struct {
	cfg      *Config
	registry *DeviceRegistry
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer creates a configured proxy server.
func NewServer(cfg *Config) *Server {
	registry := NewDeviceRegistry()
	return &Server{
		cfg:      cfg,
		registry: registry,
		hub:      NewHub(registry, cfg),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the composed chi router for the proxy process.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get(s.cfg.TunnelPath, s.handleTunnel)
	s.hub.Routes(r)
	return r
}

// Run starts the proxy server and blocks until it exits.
func (s *Server) Run() error {
	slog.Info("proxy server starting", "addr", s.cfg.ListenAddr)
	return http.ListenAndServe(s.cfg.ListenAddr, s.Handler())
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Range, Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleTunnel upgrades a device agent's connection and runs the
// handshake: a schema-less `{token}` frame, then a REGISTER frame.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	codec := protocol.NewCodec(conn)
	deviceID, cameraIDs, err := s.handshake(codec)
	if err != nil {
		slog.Warn("device handshake failed", "remote", r.RemoteAddr, "err", err)
		codec.Close()
		return
	}

	session := NewSession(deviceID, cameraIDs, conn, s.cfg.HeartbeatTimeout(), s.cfg.RequestDeadline(), int64(s.cfg.MaxConcurrentPerDevice))
	s.registry.Register(deviceID, session)
	slog.Info("device connected", "device_id", deviceID, "cameras", cameraIDs, "remote", r.RemoteAddr)
}

// handshake reads the schema-less `{token}` frame, validates it against
// the configured shared secret, replies AUTH_OK/AUTH_FAIL, then reads
// the REGISTER frame.
func (s *Server) handshake(codec *protocol.Codec) (deviceID string, cameraIDs []string, err error) {
	raw, err := codec.ReadRaw()
	if err != nil {
		return "", nil, fmt.Errorf("reading handshake frame: %w", err)
	}
	var hs protocol.HandshakeFrame
	if err := json.Unmarshal(raw, &hs); err != nil {
		return "", nil, fmt.Errorf("decoding handshake frame: %w", err)
	}

	if !ValidateToken(s.cfg.DeviceToken, hs.Token) {
		_ = codec.WriteText("", protocol.TagAuthFail, protocol.AuthFailPayload{Reason: "invalid token"})
		return "", nil, fmt.Errorf("invalid device token")
	}
	if err := codec.WriteText("", protocol.TagAuthOK, struct{}{}); err != nil {
		return "", nil, fmt.Errorf("writing auth_ok: %w", err)
	}

	frame, err := codec.ReadFrame()
	if err != nil {
		return "", nil, fmt.Errorf("reading register frame: %w", err)
	}
	if frame.Text == nil || frame.Text.Type != protocol.TagRegister {
		return "", nil, fmt.Errorf("expected register frame, got %+v", frame)
	}
	var reg protocol.RegisterPayload
	if err := json.Unmarshal(frame.Text.Payload, &reg); err != nil {
		return "", nil, fmt.Errorf("decoding register payload: %w", err)
	}
	if reg.DeviceID == "" {
		return "", nil, fmt.Errorf("register payload missing device_id")
	}
	return reg.DeviceID, reg.CameraIDs, nil
}

// Registry exposes the device registry.
func (s *Server) Registry() *DeviceRegistry { return s.registry }
