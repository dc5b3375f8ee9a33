package assistant

import (
	"container/heap"

	"github.com/srg/bassist/internal/announce"
	"github.com/srg/bassist/internal/base"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PendingSyncHandle is the sentinel handle of the single in-flight sync
// registration. The controller stack accepts one registration at a time, so
// the arbiter serializes requests behind it.
const PendingSyncHandle SyncHandle = -2

// invalidSyncHandle marks a session with no hardware resource attached.
const invalidSyncHandle SyncHandle = -1

// syncRequest is one queued ask for a hardware PA sync resource.
type syncRequest struct {
	result      *ScanResult
	broadcastID BroadcastID

	// priority marks requests issued on behalf of an explicit source-add,
	// which outrank background discovery syncs.
	priority bool

	fails int
	rssi  int
	seq   uint64
}

// requestQueue orders sync requests: priority first, then fewer past sync
// failures (when enabled), then stronger RSSI, then arrival order.
type requestQueue struct {
	items       []*syncRequest
	sortByFails bool
}

func (q *requestQueue) Len() int { return len(q.items) }

func (q *requestQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority
	}
	if q.sortByFails && a.fails != b.fails {
		return a.fails < b.fails
	}
	if a.rssi != b.rssi {
		return a.rssi > b.rssi
	}
	return a.seq < b.seq
}

func (q *requestQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *requestQueue) Push(x any) { q.items = append(q.items, x.(*syncRequest)) }

func (q *requestQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// syncSession tracks one broadcast the assistant holds (or is acquiring) a
// hardware PA sync resource for, plus what periodic reports taught us.
type syncSession struct {
	handle SyncHandle

	addr        Address
	addressType AddressType
	advSID      int
	advInterval int
	broadcastID BroadcastID
	rssi        int

	name         string
	public       *announce.PublicBroadcastData
	bigEncrypted bool

	baseData *base.Data
	bisTries int

	// notified records that SourceFound was already raised for this session.
	notified bool

	observer SyncObserver
}

// arbiter owns the bookkeeping for the bounded hardware sync pool: the
// request queue, the active session table in acquisition order, per-broadcast
// failure counters, and the scan result cache. It is confined to the engine
// loop and performs no I/O itself; the engine drives registration and
// eviction from its state.
type arbiter struct {
	maxActive   int
	maxBISTries int

	// sessions keeps active sessions in acquisition order so the eviction
	// fallback "drop the oldest" is well defined. Keyed by broadcast ID; the
	// pending session (PendingSyncHandle) lives here too.
	sessions *orderedmap.OrderedMap[BroadcastID, *syncSession]

	queue requestQueue
	seq   uint64

	fails map[BroadcastID]int
	cache map[BroadcastID]*ScanResult
}

func newArbiter(maxActive, maxBISTries int, sortByFails bool) *arbiter {
	return &arbiter{
		maxActive:   maxActive,
		maxBISTries: maxBISTries,
		sessions:    orderedmap.New[BroadcastID, *syncSession](),
		queue:       requestQueue{sortByFails: sortByFails},
		fails:       make(map[BroadcastID]int),
		cache:       make(map[BroadcastID]*ScanResult),
	}
}

// --- scan cache ---

func (a *arbiter) cacheResult(id BroadcastID, r *ScanResult) {
	a.cache[id] = r
}

func (a *arbiter) cachedResult(id BroadcastID) (*ScanResult, bool) {
	r, ok := a.cache[id]
	return r, ok
}

func (a *arbiter) dropCached(id BroadcastID) {
	delete(a.cache, id)
}

// pruneCache drops every cached result the keep predicate rejects.
func (a *arbiter) pruneCache(keep func(BroadcastID) bool) {
	for id := range a.cache {
		if !keep(id) {
			delete(a.cache, id)
		}
	}
}

// --- request queue ---

// enqueue queues a sync request for the broadcast. A request already queued
// for the same broadcast is replaced; a priority flag is never downgraded.
func (a *arbiter) enqueue(r *ScanResult, id BroadcastID, priority bool) {
	for i, req := range a.queue.items {
		if req.broadcastID == id {
			req.result = r
			req.rssi = r.RSSI
			req.priority = req.priority || priority
			heap.Fix(&a.queue, i)
			return
		}
	}
	a.seq++
	heap.Push(&a.queue, &syncRequest{
		result:      r,
		broadcastID: id,
		priority:    priority,
		fails:       a.fails[id],
		rssi:        r.RSSI,
		seq:         a.seq,
	})
}

// popNext removes and returns the best queued request.
func (a *arbiter) popNext() (*syncRequest, bool) {
	if a.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&a.queue).(*syncRequest), true
}

// queuedPriority reports whether a priority request for the broadcast is
// queued or in flight.
func (a *arbiter) queuedPriority(id BroadcastID) bool {
	for _, req := range a.queue.items {
		if req.broadcastID == id && req.priority {
			return true
		}
	}
	if s, ok := a.sessions.Get(id); ok && s.handle == PendingSyncHandle {
		return true
	}
	return false
}

func (a *arbiter) queued(id BroadcastID) bool {
	for _, req := range a.queue.items {
		if req.broadcastID == id {
			return true
		}
	}
	return false
}

func (a *arbiter) removeQueued(id BroadcastID) {
	for i, req := range a.queue.items {
		if req.broadcastID == id {
			heap.Remove(&a.queue, i)
			return
		}
	}
}

func (a *arbiter) clearQueue() {
	a.queue.items = nil
}

// --- failure counters ---

func (a *arbiter) failCount(id BroadcastID) int { return a.fails[id] }

func (a *arbiter) bumpFail(id BroadcastID) {
	a.fails[id]++
}

func (a *arbiter) resetFails(id BroadcastID) {
	delete(a.fails, id)
}

// --- session table ---

// hasPending reports whether a registration is in flight. The controller
// accepts one at a time, so dispatch stalls while this holds.
func (a *arbiter) hasPending() bool {
	for p := a.sessions.Oldest(); p != nil; p = p.Next() {
		if p.Value.handle == PendingSyncHandle {
			return true
		}
	}
	return false
}

func (a *arbiter) pendingSession() (*syncSession, bool) {
	for p := a.sessions.Oldest(); p != nil; p = p.Next() {
		if p.Value.handle == PendingSyncHandle {
			return p.Value, true
		}
	}
	return nil, false
}

// activeCount counts sessions holding a real hardware handle.
func (a *arbiter) activeCount() int {
	n := 0
	for p := a.sessions.Oldest(); p != nil; p = p.Next() {
		if p.Value.handle != PendingSyncHandle {
			n++
		}
	}
	return n
}

func (a *arbiter) atCapacity() bool {
	return a.activeCount() >= a.maxActive
}

func (a *arbiter) addPending(s *syncSession) {
	s.handle = PendingSyncHandle
	a.sessions.Set(s.broadcastID, s)
}

// promote attaches the granted hardware handle to the pending session.
func (a *arbiter) promote(id BroadcastID, handle SyncHandle) (*syncSession, bool) {
	s, ok := a.sessions.Get(id)
	if !ok || s.handle != PendingSyncHandle {
		return nil, false
	}
	s.handle = handle
	return s, true
}

func (a *arbiter) session(id BroadcastID) (*syncSession, bool) {
	return a.sessions.Get(id)
}

func (a *arbiter) sessionByHandle(handle SyncHandle) (*syncSession, bool) {
	for p := a.sessions.Oldest(); p != nil; p = p.Next() {
		if p.Value.handle == handle {
			return p.Value, true
		}
	}
	return nil, false
}

func (a *arbiter) sessionByObserver(obs SyncObserver) (*syncSession, bool) {
	for p := a.sessions.Oldest(); p != nil; p = p.Next() {
		if p.Value.observer == obs {
			return p.Value, true
		}
	}
	return nil, false
}

func (a *arbiter) removeSession(id BroadcastID) (*syncSession, bool) {
	s, ok := a.sessions.Get(id)
	if !ok {
		return nil, false
	}
	a.sessions.Delete(id)
	return s, true
}

// syncedBroadcasts lists broadcasts holding a real handle, oldest first.
func (a *arbiter) syncedBroadcasts() []BroadcastID {
	var ids []BroadcastID
	for p := a.sessions.Oldest(); p != nil; p = p.Next() {
		if p.Value.handle != PendingSyncHandle {
			ids = append(ids, p.Key)
		}
	}
	return ids
}

// selectVictim picks the session to evict when the pool is exhausted:
// the oldest active session no sink relies on, else the oldest active
// session outright.
func (a *arbiter) selectVictim(inUse func(BroadcastID) bool) (*syncSession, bool) {
	var fallback *syncSession
	for p := a.sessions.Oldest(); p != nil; p = p.Next() {
		s := p.Value
		if s.handle == PendingSyncHandle {
			continue
		}
		if fallback == nil {
			fallback = s
		}
		if !inUse(s.broadcastID) {
			return s, true
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}
