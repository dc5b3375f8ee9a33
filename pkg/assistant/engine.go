package assistant

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bassist/internal/eventlog"
	"github.com/srg/bassist/internal/groutine"
)

const (
	engineQueueDepth = 256
	historyDepth     = 64

	// Hardware PA sync registration parameters: deliver every report, give
	// up after 10s of controller silence.
	registerSyncSkip    = 0
	registerSyncTimeout = 10 * time.Second
)

// Deps collects the engine's collaborators. Logger, Scanner and SyncManager
// are required; the rest may be nil when the deployment has no such concern.
type Deps struct {
	Logger      *logrus.Logger
	Scanner     Scanner
	SyncManager PeriodicSyncManager
	Groups      GroupProvider
	Local       LocalBroadcaster
	Router      AudioRouter
}

// pendingAdd is a source-add deferred until PA sync to its broadcast is
// established and the BASE is known.
type pendingAdd struct {
	sink    Address
	meta    *Metadata
	groupOp bool
}

// pastEntry is a sink waiting for a PAST transfer once sync exists.
type pastEntry struct {
	id       BroadcastID
	sourceID int
}

// Engine is the broadcast assistant coordinator. A single loop goroutine owns
// all mutable coordination state; public methods post events into it and
// return immediately. Results arrive on registered Callbacks listeners.
type Engine struct {
	opts   Options
	logger *logrus.Entry

	scanner Scanner
	psync   PeriodicSyncManager
	groups  GroupProvider
	local   LocalBroadcaster
	router  AudioRouter

	callbacks *dispatcher
	history   *eventlog.Log

	arb      *arbiter
	timeouts *timeoutSupervisor

	events  chan event
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	searching atomic.Bool

	// Everything below is confined to the loop goroutine, except
	// sinkMetadata which DumpState may also read.
	sinks         map[Address]SinkClient
	pendingAdds   map[BroadcastID][]pendingAdd
	pendingPAST   map[Address]pastEntry
	pendingRemove map[Address]map[int]struct{}
	groupPending  map[Address]map[BroadcastID]struct{}
	groupManaged  map[Address]map[int]BroadcastID

	paused         map[BroadcastID]PauseType
	suspendedSinks map[BroadcastID][]Address

	// sinkMetadata caches the last metadata pushed to each sink per
	// broadcast, keyed by "addr|id", for resume and set-code follow-ups.
	sinkMetadata *hashmap.Map[string, *Metadata]

	localReceivers map[BroadcastID]map[Address]struct{}

	assistantActive bool
	contextNarrowed bool
}

// New creates and starts an Engine. Close releases it.
func New(opts Options, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	e := &Engine{
		opts:    opts,
		logger:  logger.WithField("component", "assistant"),
		scanner: deps.Scanner,
		psync:   deps.SyncManager,
		groups:  deps.Groups,
		local:   deps.Local,
		router:  deps.Router,

		callbacks: newDispatcher(logger),
		history:   eventlog.New("broadcast assistant events", historyDepth),

		arb: newArbiter(opts.MaxActiveSyncedSources, opts.MaxBISDiscoveryTries, opts.SortByFails),

		events: make(chan event, engineQueueDepth),

		sinks:          make(map[Address]SinkClient),
		pendingAdds:    make(map[BroadcastID][]pendingAdd),
		pendingPAST:    make(map[Address]pastEntry),
		pendingRemove:  make(map[Address]map[int]struct{}),
		groupPending:   make(map[Address]map[BroadcastID]struct{}),
		groupManaged:   make(map[Address]map[int]BroadcastID),
		paused:         make(map[BroadcastID]PauseType),
		suspendedSinks: make(map[BroadcastID][]Address),
		sinkMetadata:   hashmap.New[string, *Metadata](),
		localReceivers: make(map[BroadcastID]map[Address]struct{}),
	}
	e.timeouts = newTimeoutSupervisor(logger, func(id BroadcastID, kind TimeoutKind) {
		e.post(timeoutEvent{id: id, kind: kind})
	})

	e.wg.Add(1)
	groutine.Go(nil, "assistant-engine", func(ctx context.Context) {
		defer e.wg.Done()
		e.run()
	})

	return e
}

// post delivers an event to the loop. Returns false after Close.
func (e *Engine) post(ev event) bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return false
	}
	e.events <- ev
	return true
}

func (e *Engine) run() {
	for ev := range e.events {
		if _, ok := ev.(shutdownEvent); ok {
			return
		}
		e.handle(ev)
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case scanResultEvent:
		e.handleScanResult(ev.result)
	case scanFailedEvent:
		e.handleScanFailed(ev.code)
	case syncEstablishedEvent:
		e.handleSyncEstablished(ev)
	case periodicReportEvent:
		e.handlePeriodicReport(ev.id, ev.data)
	case syncLostEvent:
		e.handleSyncLost(ev.id)
	case bigInfoEvent:
		e.handleBigInfo(ev.id, ev.encrypted)
	case timeoutEvent:
		e.handleTimeout(ev.id, ev.kind)
	case startSearchEvent:
		e.handleStartSearch(ev.filters)
	case stopSearchEvent:
		e.handleStopSearch()
	case addSourceEvent:
		e.handleAddSource(ev.sink, ev.meta, ev.groupOp)
	case modifySourceEvent:
		e.handleModifySource(ev.sink, ev.sourceID, ev.meta)
	case removeSourceEvent:
		e.handleRemoveSource(ev.sink, ev.sourceID)
	case suspendEvent:
		if ev.all {
			e.handleSuspendAll()
		} else {
			e.handleSuspend(ev.id, PauseHostIntentional)
		}
	case resumeEvent:
		e.handleResume()
	case stopReceiversEvent:
		e.handleStopReceivers(ev.id)
	case cacheSuspendingEvent:
		e.handleCacheSuspending(ev.id)
	case streamStatusEvent:
		e.handleStreamStatus(ev.streaming)
	case sinkConnectedEvent:
		e.handleSinkConnected(ev.client)
	case sinkDisconnectedEvent:
		e.handleSinkDisconnected(ev.sink, ev.intentional)
	case bassReadyEvent:
		e.handleBassReady(ev.sink)
	case bassSetupFailedEvent:
		e.handleBassSetupFailed(ev.sink)
	case receiveStateEvent:
		e.handleReceiveState(ev.sink, ev.state)
	case sinkOpResultEvent:
		e.handleSinkOpResult(ev)
	case dumpEvent:
		e.handleDump(ev.w)
		close(ev.done)
	case flushEvent:
		close(ev.done)
	default:
		e.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("unhandled event")
	}
}

// --- public API ---

// RegisterCallbacks subscribes a listener to assistant notifications.
func (e *Engine) RegisterCallbacks(cb Callbacks) { e.callbacks.register(cb) }

// UnregisterCallbacks removes a previously registered listener.
func (e *Engine) UnregisterCallbacks(cb Callbacks) { e.callbacks.unregister(cb) }

// StartSearching begins scanning for broadcast sources.
func (e *Engine) StartSearching(filters []ScanFilter) {
	e.post(startSearchEvent{filters: filters})
}

// StopSearching ends an active search.
func (e *Engine) StopSearching() { e.post(stopSearchEvent{}) }

// SearchInProgress reports whether a source search is active.
func (e *Engine) SearchInProgress() bool { return e.searching.Load() }

// AddSource asks the sink, and every member of its coordinated set, to
// synchronize to the described broadcast source.
func (e *Engine) AddSource(sink Address, meta *Metadata) {
	e.post(addSourceEvent{sink: sink, meta: meta})
}

// ModifySource updates an existing source on the sink.
func (e *Engine) ModifySource(sink Address, sourceID int, meta *Metadata) {
	e.post(modifySourceEvent{sink: sink, sourceID: sourceID, meta: meta})
}

// RemoveSource removes a source from the sink. A PA-synced source is first
// told to drop sync, then removed once the sink reports it idle.
func (e *Engine) RemoveSource(sink Address, sourceID int) {
	e.post(removeSourceEvent{sink: sink, sourceID: sourceID})
}

// SuspendReceivers pauses reception of the broadcast on every synced sink,
// remembering enough to resume later.
func (e *Engine) SuspendReceivers(id BroadcastID) { e.post(suspendEvent{id: id}) }

// SuspendAllReceivers pauses reception of every broadcast.
func (e *Engine) SuspendAllReceivers() { e.post(suspendEvent{all: true}) }

// ResumeReceivers restores reception of every host-suspended broadcast.
func (e *Engine) ResumeReceivers() { e.post(resumeEvent{}) }

// StopReceivers removes the broadcast's sources from every sink and forgets
// the broadcast entirely.
func (e *Engine) StopReceivers(id BroadcastID) { e.post(stopReceiversEvent{id: id}) }

// CacheSuspendingSources snapshots sink metadata for the broadcast without
// touching the sinks, ahead of an externally driven interruption.
func (e *Engine) CacheSuspendingSources(id BroadcastID) {
	e.post(cacheSuspendingEvent{id: id})
}

// HandleUnicastStreamStatus reacts to unicast audio activity: an active
// stream suspends all broadcast reception, idle resumes it.
func (e *Engine) HandleUnicastStreamStatus(streaming bool) {
	e.post(streamStatusEvent{streaming: streaming})
}

// HandleScanResult feeds one advertisement from the scan provider.
func (e *Engine) HandleScanResult(r *ScanResult) { e.post(scanResultEvent{result: r}) }

// HandleScanFailed reports a scan provider failure.
func (e *Engine) HandleScanFailed(code int) { e.post(scanFailedEvent{code: code}) }

// SinkConnected registers a connected sink's BASS client.
func (e *Engine) SinkConnected(client SinkClient) {
	e.post(sinkConnectedEvent{client: client})
}

// SinkDisconnected drops a sink. When intentional, its cached state is
// forgotten; otherwise it is kept for a reconnect.
func (e *Engine) SinkDisconnected(sink Address, intentional bool) {
	e.post(sinkDisconnectedEvent{sink: sink, intentional: intentional})
}

// NotifyBassReady marks the sink's BASS discovery complete.
func (e *Engine) NotifyBassReady(sink Address) { e.post(bassReadyEvent{sink: sink}) }

// NotifyBassSetupFailed reports that BASS discovery failed on the sink.
func (e *Engine) NotifyBassSetupFailed(sink Address) {
	e.post(bassSetupFailedEvent{sink: sink})
}

// HandleReceiveStateChanged feeds a sink's updated broadcast receive state.
func (e *Engine) HandleReceiveStateChanged(sink Address, state *ReceiveState) {
	e.post(receiveStateEvent{sink: sink, state: state})
}

// NotifySinkSourceAdded reports the outcome of a sink add-source operation.
func (e *Engine) NotifySinkSourceAdded(sink Address, sourceID int, id BroadcastID, reason Reason) {
	e.post(sinkOpResultEvent{sink: sink, op: opAdd, sourceID: sourceID, id: id, reason: reason})
}

// NotifySinkSourceModified reports the outcome of a sink update operation.
func (e *Engine) NotifySinkSourceModified(sink Address, sourceID int, id BroadcastID, reason Reason) {
	e.post(sinkOpResultEvent{sink: sink, op: opModify, sourceID: sourceID, id: id, reason: reason})
}

// NotifySinkSourceRemoved reports the outcome of a sink remove operation.
func (e *Engine) NotifySinkSourceRemoved(sink Address, sourceID int, id BroadcastID, reason Reason) {
	e.post(sinkOpResultEvent{sink: sink, op: opRemove, sourceID: sourceID, id: id, reason: reason})
}

// DumpState writes a human-readable snapshot, including the recent event
// history, and blocks until the snapshot is taken.
func (e *Engine) DumpState(w io.Writer) {
	done := make(chan struct{})
	if !e.post(dumpEvent{w: w, done: done}) {
		return
	}
	<-done
}

// Close stops the loop, cancels every sync and timer, and releases the
// dispatch goroutine. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return
	}
	e.closed = true
	e.closeMu.Unlock()

	e.events <- shutdownEvent{}
	e.wg.Wait()

	if e.searching.Swap(false) {
		if err := e.scanner.StopScan(); err != nil {
			e.logger.WithError(err).Warn("stop scan on close")
		}
	}
	for _, id := range e.arb.syncedBroadcasts() {
		if s, ok := e.arb.session(id); ok {
			e.cancelSession(s)
		}
	}
	if s, ok := e.arb.pendingSession(); ok {
		e.cancelSession(s)
	}
	e.timeouts.shutdown()
	e.callbacks.close()
}

// flush waits for every previously posted event to be handled.
func (e *Engine) flush() {
	done := make(chan struct{})
	if !e.post(flushEvent{done: done}) {
		return
	}
	<-done
}

// --- search ---

func (e *Engine) handleStartSearch(filters []ScanFilter) {
	if e.searching.Load() {
		e.callbacks.notify(func(cb Callbacks) { cb.SearchStartFailed(ReasonAlreadyInTargetState) })
		return
	}

	if e.opts.CacheRetention == CacheClearAll {
		e.arb.pruneCache(func(BroadcastID) bool { return false })
	}

	if err := e.scanner.StartScan(filters); err != nil {
		e.logger.WithError(err).Error("start scan")
		e.callbacks.notify(func(cb Callbacks) { cb.SearchStartFailed(ReasonUnknown) })
		return
	}

	e.searching.Store(true)
	e.history.Add("search started")
	e.logger.Info("search started")

	for _, client := range e.sinks {
		if client.Ready() {
			if err := client.StartScanOffload(); err != nil {
				e.logger.WithError(err).WithField("sink", client.Address()).
					Warn("start scan offload")
			}
		}
	}

	e.callbacks.notify(func(cb Callbacks) { cb.SearchStarted(ReasonSuccess) })
}

func (e *Engine) handleStopSearch() {
	if !e.searching.Load() {
		e.callbacks.notify(func(cb Callbacks) { cb.SearchStopFailed(ReasonAlreadyInTargetState) })
		return
	}

	if err := e.scanner.StopScan(); err != nil {
		e.logger.WithError(err).Error("stop scan")
		e.callbacks.notify(func(cb Callbacks) { cb.SearchStopFailed(ReasonUnknown) })
		return
	}

	e.searching.Store(false)
	e.history.Add("search stopped")
	e.logger.Info("search stopped")

	for _, client := range e.sinks {
		if client.Ready() {
			if err := client.StopScanOffload(); err != nil {
				e.logger.WithError(err).WithField("sink", client.Address()).
					Warn("stop scan offload")
			}
		}
	}

	// Sessions no sink relies on outlive the search only through the
	// request queue, which is now moot.
	e.arb.clearQueue()
	for _, id := range e.arb.syncedBroadcasts() {
		if !e.broadcastInUse(id) {
			if s, ok := e.arb.session(id); ok {
				e.cancelSession(s)
				e.arb.removeSession(id)
			}
		}
	}

	switch e.opts.CacheRetention {
	case CacheClearAll:
		e.arb.pruneCache(func(BroadcastID) bool { return false })
	case CacheRetainMonitored:
		e.arb.pruneCache(func(id BroadcastID) bool { return e.broadcastMonitored(id) })
	}

	e.callbacks.notify(func(cb Callbacks) { cb.SearchStopped(ReasonSuccess) })
}

func (e *Engine) handleScanFailed(code int) {
	e.logger.WithField("code", code).Error("scan failed")
	e.history.Add("scan failed: code=%d", code)
	e.searching.Store(false)
	e.callbacks.notify(func(cb Callbacks) { cb.SearchStartFailed(ReasonUnknown) })
}

// broadcastInUse reports whether any sink tracks a source of the broadcast.
func (e *Engine) broadcastInUse(id BroadcastID) bool {
	for _, client := range e.sinks {
		for _, st := range client.AllSources() {
			if !st.Empty() && st.BroadcastID == id {
				return true
			}
		}
	}
	return false
}

// broadcastMonitored reports whether the broadcast still matters when the
// cache is pruned: synced or acquiring, relied on by a sink, paused, or
// awaited by deferred adds.
func (e *Engine) broadcastMonitored(id BroadcastID) bool {
	if _, ok := e.arb.session(id); ok {
		return true
	}
	if _, ok := e.paused[id]; ok {
		return true
	}
	if len(e.pendingAdds[id]) > 0 {
		return true
	}
	return e.broadcastInUse(id)
}

// --- diagnostics ---

func (e *Engine) handleDump(w io.Writer) {
	fmt.Fprintf(w, "searching: %v\n", e.searching.Load())
	fmt.Fprintf(w, "assistant active: %v\n", e.assistantActive)

	fmt.Fprintf(w, "sync sessions (%d active, max %d):\n",
		e.arb.activeCount(), e.opts.MaxActiveSyncedSources)
	for p := e.arb.sessions.Oldest(); p != nil; p = p.Next() {
		s := p.Value
		fmt.Fprintf(w, "  broadcast %d: handle=%d addr=%s sid=%d fails=%d tries=%d\n",
			s.broadcastID, s.handle, s.addr, s.advSID,
			e.arb.failCount(s.broadcastID), s.bisTries)
	}

	fmt.Fprintf(w, "paused broadcasts:\n")
	for id, pt := range e.paused {
		fmt.Fprintf(w, "  broadcast %d: %s\n", id, pt)
	}

	fmt.Fprintf(w, "sinks (%d):\n", len(e.sinks))
	for addr, client := range e.sinks {
		fmt.Fprintf(w, "  %s: ready=%v sources=%d\n",
			addr, client.Ready(), len(client.AllSources()))
	}

	e.history.Dump(w)
}
