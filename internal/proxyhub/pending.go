package proxyhub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reverseproxy/internal/protocol"
)

// RequestKind distinguishes the two shapes of proxy-initiated tunnel
// calls: a single-shot reply (List) and a reply-or-stream (Read).
type RequestKind int

const (
	KindList RequestKind = iota
	KindRead
)

// Sentinel errors surfaced to HTTP handling as the terminal condition
// of a PendingRequest.
var (
	ErrCancelled    = errors.New("request cancelled by client disconnect")
	ErrDisconnected = errors.New("device session disconnected")
	ErrDeadline     = errors.New("request deadline exceeded")
)

// replyResult is the single-shot completion value of a PendingRequest's
// reply slot: either a successful list payload or a terminal error.
type replyResult struct {
	list *protocol.ListVideosRes
	err  error
}

// PendingRequest is a proxy-side outstanding tunnel call. It is created
// at dispatch and lives in its session's pending table exactly until a
// terminal frame, cancellation, or session death removes it.
//
// For KindList, only reply is ever used. For KindRead (dual-mode), an
// ERROR frame completes reply; a READ_FILE_RES frame completes meta and
// leaves the entry alive for the binary stream; an end-of-stream binary
// frame closes stream with no error.
type PendingRequest struct {
	ID       string
	Kind     RequestKind
	Deadline time.Time

	reply  chan replyResult
	meta   chan protocol.ReadFileRes
	stream chan []byte

	// stopped is closed exactly once, by fail(), to unblock a pushChunk
	// call stuck sending into stream. It is a distinct channel from
	// stream itself: stream is only ever closed by the goroutine that
	// owns reading frames off the wire (handleBinary's clean end-of-stream
	// case, or completeError, both called from TunnelSession.readLoop),
	// which never races with its own in-flight pushChunk call for the
	// same request. fail() has no such guarantee — Cancel() runs on an
	// HTTP handler goroutine, and session death can be declared by
	// heartbeatLoop — either can run concurrently with readLoop being
	// mid-pushChunk for this same request, and closing stream out from
	// under a concurrent send would panic the whole process.
	stopped  chan struct{}
	stopOnce sync.Once

	cancelled  atomic.Bool
	replyOnce  sync.Once
	streamOnce sync.Once
}

// streamChannelCapacity bounds a READ_FILE stream channel to a small
// multiple of the agent's chunk size, capping per-request memory.
const streamChannelCapacity = 4

func newPendingRequest(id string, kind RequestKind, deadline time.Time) *PendingRequest {
	p := &PendingRequest{
		ID:       id,
		Kind:     kind,
		Deadline: deadline,
		reply:    make(chan replyResult, 1),
		stopped:  make(chan struct{}),
	}
	if kind == KindRead {
		p.meta = make(chan protocol.ReadFileRes, 1)
		p.stream = make(chan []byte, streamChannelCapacity)
	}
	return p
}

// completeList delivers a LIST_VIDEOS_RES payload. Terminal.
func (p *PendingRequest) completeList(res *protocol.ListVideosRes) {
	p.replyOnce.Do(func() {
		p.reply <- replyResult{list: res}
	})
}

// completeError delivers an ERROR frame's mapped error. Terminal: also
// closes the stream channel (if any) so a handler blocked reading it
// unblocks immediately.
func (p *PendingRequest) completeError(err error) {
	p.replyOnce.Do(func() {
		p.reply <- replyResult{err: err}
	})
	p.closeStream()
}

// completeMeta delivers the READ_FILE_RES total size. Non-terminal.
func (p *PendingRequest) completeMeta(res protocol.ReadFileRes) {
	select {
	case p.meta <- res:
	default:
	}
}

// pushChunk delivers one binary chunk to the stream channel. Blocks
// (providing backpressure) unless the request is stopped first — by
// Cancel or by the owning session failing every pending request on
// death. Never races with a concurrent close of stream itself; see the
// stopped field doc.
func (p *PendingRequest) pushChunk(b []byte) {
	select {
	case p.stream <- b:
	case <-p.stopped:
	}
}

// closeStream closes the stream channel exactly once. Terminal for
// KindRead requests whose stream was consumed without error. Only called
// from TunnelSession.readLoop (handleBinary's end-of-stream case, or
// completeError), which is also the sole sender into stream, so this
// never races with an in-flight pushChunk for the same request.
func (p *PendingRequest) closeStream() {
	if p.stream == nil {
		return
	}
	p.streamOnce.Do(func() {
		close(p.stream)
	})
}

// stop unblocks any goroutine waiting in pushChunk without touching the
// stream channel, safe to call concurrently with an in-flight pushChunk.
func (p *PendingRequest) stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
	})
}

// fail completes whichever slots are outstanding with err, used for
// cancellation and session death. Safe to call even if the request has
// already completed normally, and safe to call concurrently with
// TunnelSession.readLoop still streaming chunks for this request.
func (p *PendingRequest) fail(err error) {
	p.replyOnce.Do(func() {
		p.reply <- replyResult{err: err}
	})
	p.stop()
}

// Cancel marks the request cancelled and fails it with ErrCancelled.
func (p *PendingRequest) Cancel() {
	p.cancelled.Store(true)
	p.fail(ErrCancelled)
}

// Cancelled reports whether Cancel was called.
func (p *PendingRequest) Cancelled() bool {
	return p.cancelled.Load()
}
