package device

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/reverseproxy/internal/protocol"
)

// ListFilters narrows a ListVideos call.
type ListFilters struct {
	Date     string // YYYYMMDD
	Hour     *int   // 0-23
	Page     int
	PageSize int
}

// FilesystemProvider is the capability the device agent consumes to
// serve video listings and byte ranges; the on-disk layout is an
// external collaborator's concern, not the tunnel core's.
type FilesystemProvider interface {
	ListVideos(cameraID string, filters ListFilters) (entries []protocol.VideoEntry, total int, err error)
	OpenRange(cameraID, filename string, start int64, end *int64) (r io.ReadCloser, totalSize int64, err error)
}

// LocalFilesystemProvider serves recordings laid out as
// <root>/<camera_id>/merged/YYYYMMDD_HH:MM.mp4, with the timestamp
// parsed from the filename.
type LocalFilesystemProvider struct {
	Root string
}

// NewLocalFilesystemProvider creates a provider rooted at root.
func NewLocalFilesystemProvider(root string) *LocalFilesystemProvider {
	return &LocalFilesystemProvider{Root: root}
}

const filenameLayout = "20060102_15:04"

func parseRecordingTimestamp(filename string) (time.Time, bool) {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	t, err := time.Parse(filenameLayout, name)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ListVideos implements FilesystemProvider.ListVideos.
func (p *LocalFilesystemProvider) ListVideos(cameraID string, filters ListFilters) ([]protocol.VideoEntry, int, error) {
	dir := filepath.Join(p.Root, cameraID, "merged")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("reading recordings directory: %w", err)
	}

	var all []protocol.VideoEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, ok := parseRecordingTimestamp(e.Name())
		if !ok {
			continue
		}
		if filters.Date != "" && ts.Format("20060102") != filters.Date {
			continue
		}
		if filters.Hour != nil && ts.Hour() != *filters.Hour {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, protocol.VideoEntry{
			Filename:  e.Name(),
			Size:      info.Size(),
			Timestamp: ts.UTC().Format(time.RFC3339),
			Camera:    cameraID,
		})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })

	total := len(all)
	page := filters.Page
	if page < 1 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize < 1 {
		pageSize = 60
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []protocol.VideoEntry{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// OpenRange implements FilesystemProvider.OpenRange. filename has
// already been validated against path traversal by the caller, but the
// provider re-validates defensively since it owns the filesystem
// boundary.
func (p *LocalFilesystemProvider) OpenRange(cameraID, filename string, start int64, end *int64) (io.ReadCloser, int64, error) {
	if !safeFilename(filename) {
		return nil, 0, fmt.Errorf("invalid filename %q", filename)
	}
	path := filepath.Join(p.Root, cameraID, "merged", filename)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fs.ErrNotExist
		}
		return nil, 0, fmt.Errorf("opening recording: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat recording: %w", err)
	}
	totalSize := info.Size()

	if start < 0 || start > totalSize {
		f.Close()
		return nil, 0, fmt.Errorf("range start %d out of bounds for size %d", start, totalSize)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("seeking to range start: %w", err)
	}

	endInclusive := totalSize - 1
	if end != nil && *end < endInclusive {
		endInclusive = *end
	}
	length := endInclusive - start + 1
	if length < 0 {
		length = 0
	}

	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, totalSize, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

func safeFilename(name string) bool {
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
