package proxyhub

import (
	"sync"
	"testing"
	"time"

	"github.com/reverseproxy/internal/protocol"
	"github.com/stretchr/testify/require"
)

// Test_session_cancel_races_handleBinary_without_panic reproduces the
// scenario where an HTTP handler cancels a PendingRequest (client
// disconnect) concurrently with the session's own readLoop delivering
// binary chunks for that same request. Before stop/stopped were split
// out from stream/closeStream, Cancel closed stream directly while
// handleBinary's pushChunk could be mid-send on it, panicking the
// process. Run with -race.
func Test_session_cancel_races_handleBinary_without_panic(t *testing.T) {
	s, _ := newTestSession(t, "dev-1", []string{"cam1"})
	defer s.Close("test-cleanup")

	for i := 0; i < 100; i++ {
		id := protocol.NewRequestID()
		pr := newPendingRequest(id, KindRead, time.Time{})
		s.pendingMu.Lock()
		s.pending[id] = pr
		s.pendingMu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				s.handleBinary(&protocol.BinaryChunk{RequestID: id, Payload: []byte("chunk")})
			}
		}()
		go func() {
			defer wg.Done()
			s.Cancel(pr)
		}()
		wg.Wait()
	}

	require.Eventually(t, func() bool { return s.PendingCount() == 0 }, time.Second, time.Millisecond)
}
