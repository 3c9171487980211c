package device

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, root, cameraID, filename string, content []byte) {
	t.Helper()
	dir := filepath.Join(root, cameraID, "merged")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), content, 0o644))
}

func Test_parseRecordingTimestamp(t *testing.T) {
	ts, ok := parseRecordingTimestamp("20260315_14:30.mp4")
	require.True(t, ok)
	require.Equal(t, 2026, ts.Year())
	require.Equal(t, 14, ts.Hour())
	require.Equal(t, 30, ts.Minute())

	_, ok = parseRecordingTimestamp("not-a-timestamp.mp4")
	require.False(t, ok)
}

func Test_LocalFilesystemProvider_ListVideos_filters_and_sorts(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cam1", "20260101_10:00.mp4", []byte("a"))
	writeFixture(t, root, "cam1", "20260101_11:00.mp4", []byte("bb"))
	writeFixture(t, root, "cam1", "20260102_09:00.mp4", []byte("ccc"))

	p := NewLocalFilesystemProvider(root)

	entries, total, err := p.ListVideos("cam1", ListFilters{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, entries, 3)
	// descending by timestamp
	require.Equal(t, "20260102_09:00.mp4", entries[0].Filename)
	require.Equal(t, "20260101_10:00.mp4", entries[2].Filename)

	entries, total, err = p.ListVideos("cam1", ListFilters{Date: "20260101", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, entries, 2)

	hour := 11
	entries, total, err = p.ListVideos("cam1", ListFilters{Hour: &hour, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "20260101_11:00.mp4", entries[0].Filename)
}

func Test_LocalFilesystemProvider_ListVideos_pagination(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cam1", "20260101_10:00.mp4", []byte("a"))
	writeFixture(t, root, "cam1", "20260101_11:00.mp4", []byte("b"))
	writeFixture(t, root, "cam1", "20260101_12:00.mp4", []byte("c"))

	p := NewLocalFilesystemProvider(root)

	entries, total, err := p.ListVideos("cam1", ListFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, entries, 2)

	entries, total, err = p.ListVideos("cam1", ListFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, entries, 1)

	entries, _, err = p.ListVideos("cam1", ListFilters{Page: 5, PageSize: 2})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func Test_LocalFilesystemProvider_ListVideos_missing_directory(t *testing.T) {
	p := NewLocalFilesystemProvider(t.TempDir())
	entries, total, err := p.ListVideos("no-such-camera", ListFilters{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, entries)
}

func Test_LocalFilesystemProvider_OpenRange_full_and_partial(t *testing.T) {
	root := t.TempDir()
	content := []byte("0123456789")
	writeFixture(t, root, "cam1", "20260101_10:00.mp4", content)
	p := NewLocalFilesystemProvider(root)

	r, totalSize, err := p.OpenRange("cam1", "20260101_10:00.mp4", 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), totalSize)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, content, got)

	end := int64(4)
	r, totalSize, err = p.OpenRange("cam1", "20260101_10:00.mp4", 2, &end)
	require.NoError(t, err)
	require.Equal(t, int64(10), totalSize)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, []byte("234"), got)
}

func Test_LocalFilesystemProvider_OpenRange_not_found(t *testing.T) {
	p := NewLocalFilesystemProvider(t.TempDir())
	_, _, err := p.OpenRange("cam1", "20260101_10:00.mp4", 0, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func Test_LocalFilesystemProvider_OpenRange_rejects_traversal(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cam1", "20260101_10:00.mp4", []byte("data"))
	p := NewLocalFilesystemProvider(root)

	_, _, err := p.OpenRange("cam1", "../../etc/passwd", 0, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, fs.ErrNotExist)
}

func Test_safeFilename(t *testing.T) {
	require.True(t, safeFilename("20260101_10:00.mp4"))
	require.False(t, safeFilename(""))
	require.False(t, safeFilename("../escape.mp4"))
	require.False(t, safeFilename("a/b.mp4"))
	require.False(t, safeFilename("a\x00b.mp4"))
}
