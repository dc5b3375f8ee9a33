package assistant

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/srg/bassist/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCallbacks collects notifications as one-line strings so tests can
// assert on order and content without caring about goroutine timing.
type recordingCallbacks struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingCallbacks) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingCallbacks) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingCallbacks) contains(substr string) bool {
	for _, e := range r.snapshot() {
		if e == substr {
			return true
		}
	}
	return false
}

func (r *recordingCallbacks) SearchStarted(reason Reason)     { r.add("search started: %s", reason) }
func (r *recordingCallbacks) SearchStartFailed(reason Reason) { r.add("search start failed: %s", reason) }
func (r *recordingCallbacks) SearchStopped(reason Reason)     { r.add("search stopped: %s", reason) }
func (r *recordingCallbacks) SearchStopFailed(reason Reason)  { r.add("search stop failed: %s", reason) }

func (r *recordingCallbacks) SourceFound(meta *Metadata) {
	r.add("source found: %d", meta.BroadcastID)
}

func (r *recordingCallbacks) SourceLost(id BroadcastID) {
	r.add("source lost: %d", id)
}

func (r *recordingCallbacks) SourceAdded(sink Address, sourceID int, reason Reason) {
	r.add("source added: %s %d %s", sink, sourceID, reason)
}

func (r *recordingCallbacks) SourceAddFailed(sink Address, meta *Metadata, reason Reason) {
	r.add("source add failed: %s %s", sink, reason)
}

func (r *recordingCallbacks) SourceModified(sink Address, sourceID int, reason Reason) {
	r.add("source modified: %s %d %s", sink, sourceID, reason)
}

func (r *recordingCallbacks) SourceModifyFailed(sink Address, sourceID int, reason Reason) {
	r.add("source modify failed: %s %d %s", sink, sourceID, reason)
}

func (r *recordingCallbacks) SourceRemoved(sink Address, sourceID int, reason Reason) {
	r.add("source removed: %s %d %s", sink, sourceID, reason)
}

func (r *recordingCallbacks) SourceRemoveFailed(sink Address, sourceID int, reason Reason) {
	r.add("source remove failed: %s %d %s", sink, sourceID, reason)
}

func (r *recordingCallbacks) ReceiveStateChanged(sink Address, sourceID int, state *ReceiveState) {
	r.add("receive state: %s %d", sink, sourceID)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	d := newDispatcher(testutils.QuietLogger())
	defer d.close()

	rec := &recordingCallbacks{}
	d.register(rec)

	d.notify(func(cb Callbacks) { cb.SearchStarted(ReasonSuccess) })
	d.notify(func(cb Callbacks) { cb.SourceLost(7) })

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 },
		time.Second, time.Millisecond)
	assert.Equal(t, []string{"search started: success", "source lost: 7"}, rec.snapshot())
}

func TestDispatcher_FanOut(t *testing.T) {
	d := newDispatcher(testutils.QuietLogger())
	defer d.close()

	first := &recordingCallbacks{}
	second := &recordingCallbacks{}
	d.register(first)
	d.register(second)
	// Double registration is a no-op.
	d.register(first)

	d.notify(func(cb Callbacks) { cb.SourceLost(1) })

	require.Eventually(t, func() bool {
		return len(first.snapshot()) == 1 && len(second.snapshot()) == 1
	}, time.Second, time.Millisecond)
}

func TestDispatcher_Unregister(t *testing.T) {
	d := newDispatcher(testutils.QuietLogger())
	defer d.close()

	kept := &recordingCallbacks{}
	gone := &recordingCallbacks{}
	d.register(kept)
	d.register(gone)
	d.unregister(gone)

	d.notify(func(cb Callbacks) { cb.SourceLost(1) })

	require.Eventually(t, func() bool { return len(kept.snapshot()) == 1 },
		time.Second, time.Millisecond)
	assert.Empty(t, gone.snapshot())
}
