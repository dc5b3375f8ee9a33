package assistant

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/bassist/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firingRecorder struct {
	mu    sync.Mutex
	fired []timeoutEvent
}

func (r *firingRecorder) fire(id BroadcastID, kind TimeoutKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, timeoutEvent{id: id, kind: kind})
}

func (r *firingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func newTestSupervisor() (*timeoutSupervisor, *firingRecorder) {
	rec := &firingRecorder{}
	return newTimeoutSupervisor(testutils.QuietLogger(), rec.fire), rec
}

func TestSupervisor_Fires(t *testing.T) {
	sup, rec := newTestSupervisor()
	defer sup.shutdown()

	sup.start(1, TimeoutSyncLost, 10*time.Millisecond)
	require.True(t, sup.started(1, TimeoutSyncLost))

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, BroadcastID(1), rec.fired[0].id)
	assert.Equal(t, TimeoutSyncLost, rec.fired[0].kind)

	// The timer unregisters itself before firing.
	assert.False(t, sup.started(1, TimeoutSyncLost))
}

func TestSupervisor_StopPreventsFiring(t *testing.T) {
	sup, rec := newTestSupervisor()
	defer sup.shutdown()

	sup.start(1, TimeoutSyncLost, 20*time.Millisecond)
	sup.stop(1, TimeoutSyncLost)
	assert.False(t, sup.started(1, TimeoutSyncLost))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestSupervisor_RestartRearms(t *testing.T) {
	sup, rec := newTestSupervisor()
	defer sup.shutdown()

	sup.start(1, TimeoutBroadcastMonitor, time.Hour)
	sup.start(1, TimeoutBroadcastMonitor, 10*time.Millisecond)

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, time.Millisecond)
}

func TestSupervisor_KindsAreIndependent(t *testing.T) {
	sup, rec := newTestSupervisor()
	defer sup.shutdown()

	sup.start(1, TimeoutSyncLost, time.Hour)
	sup.start(1, TimeoutBigMonitor, time.Hour)
	sup.start(2, TimeoutSyncLost, time.Hour)

	sup.stop(1, TimeoutSyncLost)
	assert.False(t, sup.started(1, TimeoutSyncLost))
	assert.True(t, sup.started(1, TimeoutBigMonitor))
	assert.True(t, sup.started(2, TimeoutSyncLost))

	sup.stopAllOf(TimeoutSyncLost)
	assert.False(t, sup.started(2, TimeoutSyncLost))
	assert.True(t, sup.anyStartedOf(TimeoutBigMonitor))

	sup.stopAll(1)
	assert.False(t, sup.started(1, TimeoutBigMonitor))

	assert.Zero(t, rec.count())
}

func TestSupervisor_Shutdown(t *testing.T) {
	sup, rec := newTestSupervisor()

	sup.start(1, TimeoutSyncLost, 10*time.Millisecond)
	sup.start(2, TimeoutDialingOut, 10*time.Millisecond)
	sup.shutdown()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.False(t, sup.started(1, TimeoutSyncLost))
	assert.False(t, sup.started(2, TimeoutDialingOut))
}
