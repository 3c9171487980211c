package proxyhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/reverseproxy/internal/protocol"
)

// Hub is the ProxyHub HTTP surface: it translates client HTTP requests
// into tunnel calls against the owning device's TunnelSession.
type Hub struct {
	registry *DeviceRegistry
	cfg      *Config
}

// NewHub creates a Hub bound to registry and cfg.
func NewHub(registry *DeviceRegistry, cfg *Config) *Hub {
	return &Hub{registry: registry, cfg: cfg}
}

// Routes mounts the ProxyHub HTTP surface onto r, under the /api prefix
// (spec.md §9 open question 4 resolved in favor of a prefixed surface).
func (h *Hub) Routes(r chi.Router) {
	r.Get("/api/cameras", h.handleCameras)
	r.Get("/api/devices/{device_id}/videos", h.handleListVideos)
	r.Get("/api/devices/{device_id}/videos/{filename}", h.handleStreamVideo)
}

// handleCameras implements GET /api/cameras.
func (h *Hub) handleCameras(w http.ResponseWriter, r *http.Request) {
	records := h.registry.ListCameras()
	type camEntry struct {
		DeviceID string `json:"device_id"`
		CameraID string `json:"camera_id"`
	}
	out := make([]camEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, camEntry{DeviceID: rec.DeviceID, CameraID: rec.CameraID})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cameras": out,
		"total":   len(out),
	})
}

// handleListVideos implements GET /api/devices/{device_id}/videos.
func (h *Hub) handleListVideos(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "device_id")
	session, cameraID, ok := h.resolveDevice(idParam, r.URL.Query().Get("camera_id"))
	if !ok {
		http.Error(w, "no such device registered", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	page := 1
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			page = n
		}
	}
	pageSize := 60
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > h.cfg.MaxPageSize {
		pageSize = h.cfg.MaxPageSize
	}

	req := protocol.ListVideosReq{
		CameraID: cameraID,
		Date:     q.Get("date"),
		Page:     page,
		PageSize: pageSize,
	}
	if v := q.Get("hour"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Hour = &n
		}
	}

	if !session.TryAcquire() {
		http.Error(w, "device busy", http.StatusTooManyRequests)
		return
	}
	defer session.Release()

	pr, err := session.SendListVideos(req)
	if err != nil {
		http.Error(w, "tunnel error: "+err.Error(), http.StatusBadGateway)
		return
	}

	select {
	case res := <-pr.reply:
		if res.err != nil {
			writeDeviceError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, res.list)
	case <-time.After(h.cfg.RequestDeadline()):
		session.Cancel(pr)
		http.Error(w, "request deadline exceeded", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		session.Cancel(pr)
	}
}

// handleStreamVideo implements GET /api/devices/{device_id}/videos/{filename},
// the range-aware streaming endpoint.
func (h *Hub) handleStreamVideo(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "device_id")
	filename := chi.URLParam(r, "filename")

	if !validFilename(filename) {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	session, cameraID, ok := h.resolveDevice(idParam, r.URL.Query().Get("camera_id"))
	if !ok {
		http.Error(w, "no such device registered", http.StatusNotFound)
		return
	}

	start, end, partial, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		if err == errUnsatisfiableRange {
			http.Error(w, "unsatisfiable range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}

	if !session.TryAcquire() {
		http.Error(w, "device busy", http.StatusTooManyRequests)
		return
	}
	defer session.Release()

	req := protocol.ReadFileReq{CameraID: cameraID, Filename: filename, Start: start, End: end}
	pr, err := session.SendReadFile(req)
	if err != nil {
		http.Error(w, "tunnel error: "+err.Error(), http.StatusBadGateway)
		return
	}

	select {
	case res := <-pr.reply:
		// an ERROR frame arrived instead of the stream.
		writeDeviceError(w, res.err)
		return
	case meta := <-pr.meta:
		h.streamBody(w, r, session, pr, meta, start, end, partial)
	case <-r.Context().Done():
		session.Cancel(pr)
	}
}

// streamBody writes headers once meta is known, then copies chunks from
// the stream channel to the response writer in arrival order. meta's
// TotalSize is the full file size, reported by the agent ahead of the
// first binary chunk so Content-Length can be set before the header is
// written. If the client disconnects mid-stream, it cancels pr on
// session so the pending table entry doesn't outlive this handler —
// otherwise the agent's chunks would eventually fill pr.stream's
// bounded buffer with nobody reading it, blocking the session's single
// demultiplexing readLoop and stalling every other request on this
// device.
func (h *Hub) streamBody(w http.ResponseWriter, r *http.Request, session *TunnelSession, pr *PendingRequest, meta protocol.ReadFileRes, start int64, end *int64, partial bool) {
	endInclusive := meta.TotalSize - 1
	if end != nil && *end < endInclusive {
		endInclusive = *end
	}
	contentLength := endInclusive - start + 1

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(contentLength, 10))

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, endInclusive, meta.TotalSize))
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	for {
		select {
		case chunk, ok := <-pr.stream:
			if !ok {
				// stream closed: either clean EOF or a mid-stream ERROR
				// frame, which (per the protocol's error handling policy)
				// has no in-band signal once headers are written.
				select {
				case res := <-pr.reply:
					if res.err != nil {
						slog.Warn("device reported error mid-stream, closing connection abruptly", "err", res.err)
					}
				default:
				}
				return
			}
			if _, err := w.Write(chunk); err != nil {
				slog.Warn("client disconnected mid-stream", "err", err)
				session.Cancel(pr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-pr.stopped:
			// the session died (or the request was cancelled) mid-stream;
			// returning short of Content-Length closes the connection.
			return
		case <-r.Context().Done():
			session.Cancel(pr)
			return
		}
	}
}

// resolveDevice resolves the device_id path parameter; if no session
// is registered under that id, it is treated as a camera_id and the
// owning device is located. cameraQuery overrides the camera to
// operate on when the device has more than one.
func (h *Hub) resolveDevice(idParam, cameraQuery string) (*TunnelSession, string, bool) {
	if s, ok := h.registry.Get(idParam); ok {
		cam := cameraQuery
		if cam == "" && len(s.CameraIDs()) == 1 {
			cam = s.CameraIDs()[0]
		}
		return s, cam, true
	}
	if s, ok := h.registry.ResolveCamera(idParam); ok {
		return s, idParam, true
	}
	return nil, "", false
}

var errUnsatisfiableRange = fmt.Errorf("unsatisfiable range")

// parseRange parses a single-range `bytes=start-end?` Range header.
// Multi-range and non-byte units are rejected as unsatisfiable.
func parseRange(header string) (start int64, end *int64, partial bool, err error) {
	if header == "" {
		return 0, nil, false, nil
	}
	if strings.Contains(header, ",") {
		return 0, nil, false, errUnsatisfiableRange
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, nil, false, errUnsatisfiableRange
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, nil, false, fmt.Errorf("malformed range")
	}
	if parts[0] == "" {
		return 0, nil, false, errUnsatisfiableRange // suffix ranges ("-500") unsupported
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 {
		return 0, nil, false, fmt.Errorf("malformed range start")
	}
	if parts[1] == "" {
		return s, nil, true, nil
	}
	e, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || e < s {
		return 0, nil, false, fmt.Errorf("malformed range end")
	}
	return s, &e, true, nil
}

// validFilename rejects path separators, "..", and NUL bytes.
func validFilename(name string) bool {
	if name == "" {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDeviceError maps a tunnel-surfaced error to an HTTP status.
func writeDeviceError(w http.ResponseWriter, err error) {
	if err == nil {
		http.Error(w, "empty reply from device", http.StatusBadGateway)
		return
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		switch ae.Code {
		case "not_found":
			http.Error(w, ae.Message, http.StatusNotFound)
		case "forbidden":
			http.Error(w, ae.Message, http.StatusForbidden)
		default:
			http.Error(w, ae.Message, http.StatusInternalServerError)
		}
		return
	}
	switch err {
	case ErrCancelled:
		// client already gone; nothing to write.
	case ErrDisconnected:
		http.Error(w, "device disconnected", http.StatusBadGateway)
	case ErrDeadline:
		http.Error(w, "request deadline exceeded", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
