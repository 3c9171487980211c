package proxyhub

import (
	"sync"
	"testing"
	"time"

	"github.com/reverseproxy/internal/protocol"
	"github.com/stretchr/testify/require"
)

func Test_pending_request_ids_are_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := protocol.NewRequestID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func Test_pending_list_completes_reply_once(t *testing.T) {
	p := newPendingRequest(protocol.NewRequestID(), KindList, time.Time{})
	p.completeList(&protocol.ListVideosRes{Total: 3})
	p.completeError(assertErr) // must be a no-op: reply already delivered

	select {
	case res := <-p.reply:
		require.NoError(t, res.err)
		require.Equal(t, 3, res.list.Total)
	default:
		t.Fatal("expected buffered reply")
	}
}

func Test_pending_read_meta_then_stream_then_eos(t *testing.T) {
	p := newPendingRequest(protocol.NewRequestID(), KindRead, time.Time{})
	p.completeMeta(protocol.ReadFileRes{TotalSize: 1024})

	select {
	case m := <-p.meta:
		require.Equal(t, int64(1024), m.TotalSize)
	default:
		t.Fatal("expected buffered meta")
	}

	go func() {
		p.pushChunk([]byte("hello"))
		p.closeStream()
	}()

	chunk := <-p.stream
	require.Equal(t, "hello", string(chunk))

	_, ok := <-p.stream
	require.False(t, ok, "stream channel should be closed after closeStream")
}

func Test_pending_error_unblocks_waiting_stream_reader(t *testing.T) {
	p := newPendingRequest(protocol.NewRequestID(), KindRead, time.Time{})

	errCh := make(chan error, 1)
	go func() {
		res := <-p.reply
		errCh <- res.err
	}()

	p.completeError(assertErr)
	require.Equal(t, assertErr, <-errCh)

	_, ok := <-p.stream
	require.False(t, ok, "completeError must close the stream channel")
}

func Test_pending_cancel_marks_cancelled_and_fails(t *testing.T) {
	p := newPendingRequest(protocol.NewRequestID(), KindList, time.Time{})
	require.False(t, p.Cancelled())

	p.Cancel()
	require.True(t, p.Cancelled())

	res := <-p.reply
	require.ErrorIs(t, res.err, ErrCancelled)
}

func Test_pending_push_chunk_unblocks_on_stop(t *testing.T) {
	p := newPendingRequest(protocol.NewRequestID(), KindRead, time.Time{})
	// fill the buffered stream channel so the next push would block
	for i := 0; i < streamChannelCapacity; i++ {
		p.stream <- []byte("x")
	}

	pushed := make(chan struct{})
	go func() {
		p.pushChunk([]byte("blocked"))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("pushChunk should have blocked with a full buffer")
	case <-time.After(20 * time.Millisecond):
	}

	p.stop()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("pushChunk did not unblock on stop")
	}
}

// Test_pending_cancel_races_pushChunk_without_panic exercises the
// scenario where Cancel (as called from an HTTP handler goroutine) runs
// concurrently with pushChunk (as called from TunnelSession.readLoop)
// for the same in-flight request. Before stop/stopped were split out
// from stream/closeStream, Cancel closed stream directly and could race
// a concurrent send on it, panicking the process. Run with -race to
// catch a regression.
func Test_pending_cancel_races_pushChunk_without_panic(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := newPendingRequest(protocol.NewRequestID(), KindRead, time.Time{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.pushChunk([]byte("chunk"))
		}()
		go func() {
			defer wg.Done()
			p.Cancel()
		}()
		wg.Wait()
	}
}

var assertErr = &AgentError{Code: "boom", Message: "test error"}
