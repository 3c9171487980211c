package device

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math"

	"github.com/reverseproxy/internal/protocol"
)

// requestServicer handles incoming tunnel requests against a
// FilesystemProvider. It holds no cross-request state.
type requestServicer struct {
	provider  FilesystemProvider
	chunkSize int
}

func newRequestServicer(provider FilesystemProvider, chunkSize int) *requestServicer {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	return &requestServicer{provider: provider, chunkSize: chunkSize}
}

// serviceListVideos handles a LIST_VIDEOS request and returns its reply payload.
func (s *requestServicer) serviceListVideos(req protocol.ListVideosReq) protocol.ListVideosRes {
	filters := ListFilters{Date: req.Date, Hour: req.Hour, Page: req.Page, PageSize: req.PageSize}
	entries, total, err := s.provider.ListVideos(req.CameraID, filters)
	if err != nil {
		slog.Error("listing videos failed", "camera_id", req.CameraID, "err", err)
		return protocol.ListVideosRes{Videos: []protocol.VideoEntry{}, Page: req.Page, PageSize: req.PageSize}
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 60
	}
	totalPages := int(math.Ceil(float64(total) / float64(pageSize)))
	return protocol.ListVideosRes{
		Videos:     entries,
		Total:      total,
		Page:       req.Page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

// chunkSource is satisfied by the per-request writer that streams
// binary chunks back over the tunnel (device/session.go).
type chunkSource interface {
	writeMeta(requestID string, totalSize int64) error
	writeChunk(requestID string, b []byte) error
	writeEOS(requestID string) error
	writeError(requestID string, code, message string) error
	cancelled(requestID string) bool
}

// serviceReadFile handles a READ_FILE request: opens the range, emits
// the total-size header frame, then streams chunks of chunkSize bytes
// up to end inclusive (or EOF). Emits ERROR and skips end-of-stream on
// any filesystem failure.
func (s *requestServicer) serviceReadFile(requestID string, req protocol.ReadFileReq, out chunkSource) {
	r, totalSize, err := s.provider.OpenRange(req.CameraID, req.Filename, req.Start, req.End)
	if err != nil {
		code := "io_error"
		if errors.Is(err, fs.ErrNotExist) {
			code = "not_found"
		}
		_ = out.writeError(requestID, code, err.Error())
		return
	}
	defer r.Close()

	if err := out.writeMeta(requestID, totalSize); err != nil {
		return
	}

	buf := make([]byte, s.chunkSize)
	for {
		if out.cancelled(requestID) {
			return
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := out.writeChunk(requestID, chunk); werr != nil {
				return
			}
		}
		if err == io.EOF {
			_ = out.writeEOS(requestID)
			return
		}
		if err != nil {
			_ = out.writeError(requestID, "io_error", err.Error())
			return
		}
	}
}
