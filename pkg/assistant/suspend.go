package assistant

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// --- suspend / resume ---

func (e *Engine) handleSuspend(id BroadcastID, pt PauseType) {
	if _, already := e.paused[id]; already {
		return
	}

	e.rememberSuspendedSinks(id)
	e.paused[id] = pt
	e.history.Add("broadcast paused: broadcast=%d type=%s", id, pt)
	e.logger.WithFields(logrus.Fields{
		"broadcast_id": id,
		"pause_type":   pt.String(),
	}).Info("suspending receivers")

	for _, sink := range e.suspendedSinks[id] {
		client, ok := e.sinks[sink]
		if !ok || !client.Ready() {
			continue
		}
		for _, st := range client.AllSources() {
			if st.Empty() || st.BroadcastID != id || !st.Active() {
				continue
			}
			meta, _ := e.recallMetadata(sink, id)
			if err := client.UpdateSource(st.SourceID, PASyncModeNoPAST, meta); err != nil {
				e.logger.WithError(err).WithField("sink", sink).Warn("suspend source")
			}
		}
	}
}

func (e *Engine) handleSuspendAll() {
	for _, id := range e.activeBroadcasts() {
		e.handleSuspend(id, PauseHostIntentional)
	}
}

// activeBroadcasts lists every broadcast either synced locally or tracked by
// some sink.
func (e *Engine) activeBroadcasts() []BroadcastID {
	seen := make(map[BroadcastID]struct{})
	var ids []BroadcastID
	for _, id := range e.arb.syncedBroadcasts() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, client := range e.sinks {
		for _, st := range client.AllSources() {
			if st.Empty() {
				continue
			}
			if _, ok := seen[st.BroadcastID]; !ok {
				seen[st.BroadcastID] = struct{}{}
				ids = append(ids, st.BroadcastID)
			}
		}
	}
	return ids
}

// rememberSuspendedSinks snapshots which sinks receive the broadcast and
// makes sure their metadata survives for a later resume.
func (e *Engine) rememberSuspendedSinks(id BroadcastID) {
	for sink, client := range e.sinks {
		has := false
		for _, st := range client.AllSources() {
			if !st.Empty() && st.BroadcastID == id {
				has = true
				break
			}
		}
		if !has {
			continue
		}
		if _, ok := e.recallMetadata(sink, id); !ok {
			if s, active := e.arb.session(id); active {
				e.rememberMetadata(sink, e.sessionMetadata(s))
			}
		}
		e.addSuspendedSink(id, sink)
	}
}

func (e *Engine) addSuspendedSink(id BroadcastID, sink Address) {
	for _, s := range e.suspendedSinks[id] {
		if s == sink {
			return
		}
	}
	e.suspendedSinks[id] = append(e.suspendedSinks[id], sink)
}

func (e *Engine) handleResume() {
	for id := range e.paused {
		e.resumeBroadcast(id)
	}
}

// resumeBroadcast restores reception on every sink recorded at suspend time,
// re-adding the source where the sink dropped it entirely.
func (e *Engine) resumeBroadcast(id BroadcastID) {
	sinks := e.suspendedSinks[id]
	delete(e.suspendedSinks, id)
	delete(e.paused, id)
	e.timeouts.stop(id, TimeoutBigMonitor)
	e.history.Add("broadcast resumed: broadcast=%d sinks=%d", id, len(sinks))

	for _, sink := range sinks {
		client, ok := e.sinks[sink]
		if !ok || !client.Ready() {
			continue
		}
		meta, ok := e.recallMetadata(sink, id)
		if !ok {
			continue
		}

		resumed := false
		for _, st := range client.AllSources() {
			if st.Empty() || st.BroadcastID != id {
				continue
			}
			if err := client.UpdateSource(st.SourceID, PASyncModePAST, meta); err != nil {
				e.logger.WithError(err).WithField("sink", sink).Warn("resume source")
			}
			resumed = true
			break
		}
		if !resumed {
			if err := client.AddSource(meta); err != nil {
				e.logger.WithError(err).WithField("sink", sink).Warn("re-add source")
			}
		}
	}
}

func (e *Engine) handleStopReceivers(id BroadcastID) {
	e.history.Add("stop receivers: broadcast=%d", id)

	for sink, client := range e.sinks {
		if !client.Ready() {
			continue
		}
		for _, st := range client.AllSources() {
			if !st.Empty() && st.BroadcastID == id {
				e.removeFromSink(sink, client, st)
			}
		}
	}

	if s, ok := e.arb.session(id); ok {
		e.cancelSession(s)
		e.arb.removeSession(id)
	}
	e.forgetBroadcast(id)
	e.dispatchNext()
}

func (e *Engine) handleCacheSuspending(id BroadcastID) {
	e.rememberSuspendedSinks(id)
	if _, already := e.paused[id]; !already {
		e.paused[id] = PauseHostIntentional
	}
	e.history.Add("suspending sources cached: broadcast=%d", id)
}

// handleStreamStatus yields broadcast reception to an active unicast stream
// and restores it when the stream ends.
func (e *Engine) handleStreamStatus(streaming bool) {
	e.history.Add("unicast stream status: streaming=%v", streaming)
	if streaming {
		e.handleSuspendAll()
		return
	}
	e.handleResume()
}

// --- sink lifecycle ---

func (e *Engine) handleSinkConnected(client SinkClient) {
	addr := client.Address()
	e.sinks[addr] = client
	e.history.Add("sink connected: %s", addr)
	e.logger.WithField("sink", addr).Info("sink connected")
}

func (e *Engine) handleBassReady(sink Address) {
	client, ok := e.sinks[sink]
	if !ok {
		return
	}
	e.history.Add("sink ready: %s", sink)

	if e.searching.Load() {
		if err := client.StartScanOffload(); err != nil {
			e.logger.WithError(err).WithField("sink", sink).Warn("start scan offload")
		}
	}

	// Reconnect restoration: push back any source we still remember for
	// this sink, unless its broadcast is deliberately paused.
	prefix := string(sink) + "|"
	e.sinkMetadata.Range(func(key string, meta *Metadata) bool {
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		if _, paused := e.paused[meta.BroadcastID]; paused {
			return true
		}
		has := false
		for _, st := range client.AllSources() {
			if !st.Empty() && st.BroadcastID == meta.BroadcastID {
				has = true
				break
			}
		}
		if !has {
			e.addToSink(sink, meta, false)
		}
		return true
	})
}

func (e *Engine) handleBassSetupFailed(sink Address) {
	e.history.Add("sink setup failed: %s", sink)
	e.logger.WithField("sink", sink).Warn("BASS setup failed")
}

func (e *Engine) handleSinkDisconnected(sink Address, intentional bool) {
	delete(e.sinks, sink)
	delete(e.pendingPAST, sink)
	delete(e.pendingRemove, sink)
	delete(e.groupPending, sink)
	delete(e.groupManaged, sink)
	e.history.Add("sink disconnected: %s intentional=%v", sink, intentional)

	if intentional {
		prefix := string(sink) + "|"
		e.sinkMetadata.Range(func(key string, _ *Metadata) bool {
			if strings.HasPrefix(key, prefix) {
				e.sinkMetadata.Del(key)
			}
			return true
		})
		for id, sinks := range e.suspendedSinks {
			for i, s := range sinks {
				if s == sink {
					e.suspendedSinks[id] = append(sinks[:i], sinks[i+1:]...)
					break
				}
			}
		}
	}

	// A local broadcast losing its last receiver starts dialing out again.
	for id, receivers := range e.localReceivers {
		if _, ok := receivers[sink]; !ok {
			continue
		}
		delete(receivers, sink)
		if len(receivers) == 0 && e.local != nil && e.local.Playing(id) {
			e.timeouts.start(id, TimeoutDialingOut, e.opts.DialingOutTimeout)
		}
	}

	for _, id := range e.arb.syncedBroadcasts() {
		e.releaseIfUnused(id)
	}
	e.recomputeAssistantActive()
}

// --- receive state ingestion ---

func (e *Engine) handleReceiveState(sink Address, st *ReceiveState) {
	if st == nil {
		return
	}
	e.callbacks.notify(func(cb Callbacks) { cb.ReceiveStateChanged(sink, st.SourceID, st) })

	if st.Empty() {
		if set, ok := e.pendingRemove[sink]; ok {
			delete(set, st.SourceID)
		}
		e.recomputeAssistantActive()
		return
	}

	client := e.sinks[sink]
	id := st.BroadcastID

	// The sink asks for sync info; serve PAST from an established sync or
	// queue the transfer until one exists.
	if st.PASyncState == PASyncInfoRequest || st.PASyncState == PASyncNoPAST {
		if s, ok := e.arb.session(id); ok && s.handle != PendingSyncHandle {
			e.transferSync(sink, s.handle, st.SourceID)
		} else {
			e.pendingPAST[sink] = pastEntry{id: id, sourceID: st.SourceID}
			if r, cached := e.arb.cachedResult(id); cached {
				e.arb.enqueue(r, id, true)
				e.dispatchNext()
			}
		}
	}

	switch st.BigEncryption {
	case BigCodeRequired:
		meta, ok := e.recallMetadata(sink, id)
		if ok && len(meta.BroadcastCode) > 0 && client != nil {
			e.history.Add("broadcast code sent: sink=%s source=%d", sink, st.SourceID)
			if err := client.SetBroadcastCode(st.SourceID, meta.BroadcastCode); err != nil {
				e.logger.WithError(err).WithField("sink", sink).Warn("set broadcast code")
			}
		} else {
			e.logger.WithFields(logrus.Fields{
				"sink":         sink,
				"broadcast_id": id,
			}).Warn("broadcast code required but unknown")
		}
	case BigBadCode:
		e.history.Add("bad broadcast code: sink=%s broadcast=%d", sink, id)
		e.logger.WithFields(logrus.Fields{
			"sink":         sink,
			"broadcast_id": id,
		}).Error("sink rejected broadcast code")
	}

	// Finish a staged removal once the sink reports the source idle.
	if set, ok := e.pendingRemove[sink]; ok && client != nil {
		if _, staged := set[st.SourceID]; staged && !st.Active() {
			if err := client.RemoveSource(st.SourceID); err != nil {
				e.logger.WithError(err).WithField("sink", sink).Warn("remove source")
			}
		}
	}

	// An unexpected PA sync failure pauses the broadcast on the sink's
	// behalf until the broadcaster shows up again.
	if st.PASyncState == PASyncFailedToSync && !st.Active() {
		if _, already := e.paused[id]; !already {
			e.rememberSuspendedSinks(id)
			e.paused[id] = PauseSinkUnintentional
			e.timeouts.start(id, TimeoutBigMonitor, e.opts.BigMonitorTimeout)
			e.history.Add("broadcast paused: broadcast=%d type=%s", id, PauseSinkUnintentional)
		}
	}

	e.trackLocalReceiver(sink, st)
	e.recomputeAssistantActive()
}

// trackLocalReceiver maintains the receiver registry of locally hosted
// broadcasts and the dialing-out watchdog around it.
func (e *Engine) trackLocalReceiver(sink Address, st *ReceiveState) {
	if e.local == nil || !e.local.Owns(st.BroadcastID) {
		return
	}
	id := st.BroadcastID

	if st.Active() {
		if e.localReceivers[id] == nil {
			e.localReceivers[id] = make(map[Address]struct{})
		}
		if _, known := e.localReceivers[id][sink]; !known {
			e.localReceivers[id][sink] = struct{}{}
			e.history.Add("local broadcast receiver joined: broadcast=%d sink=%s", id, sink)
		}
		e.timeouts.stop(id, TimeoutDialingOut)
		return
	}

	if receivers, ok := e.localReceivers[id]; ok {
		if _, known := receivers[sink]; known {
			delete(receivers, sink)
			e.history.Add("local broadcast receiver left: broadcast=%d sink=%s", id, sink)
			if len(receivers) == 0 && e.local.Playing(id) {
				e.timeouts.start(id, TimeoutDialingOut, e.opts.DialingOutTimeout)
			}
		}
	}
}

// recomputeAssistantActive tracks whether any sink actively receives an
// externally sourced broadcast. Locally hosted broadcasts do not count.
// While a sink in an active unicast group holds such a broadcast, or still
// has a source switch in flight, that group's allowed contexts are narrowed
// to exclude sound effects.
func (e *Engine) recomputeAssistantActive() {
	active := false
	narrowed := false
	for sink, client := range e.sinks {
		inGroup := e.router != nil && e.router.InActiveUnicastGroup(sink)
		if inGroup && client.HasPendingSwitch() {
			narrowed = true
		}
		for _, st := range client.AllSources() {
			if st.Empty() || !st.Active() {
				continue
			}
			if e.local != nil && e.local.Owns(st.BroadcastID) {
				continue
			}
			if inGroup {
				narrowed = true
			}
			if e.opts.PrimaryOnlyAssistantActive &&
				(e.router == nil || !e.router.PrimaryDevice(sink)) {
				continue
			}
			active = true
		}
	}

	if active != e.assistantActive {
		e.assistantActive = active
		e.history.Add("assistant active: %v", active)
		if e.router != nil {
			e.router.AssistantActiveChanged(active)
		}
	}

	if narrowed != e.contextNarrowed {
		e.contextNarrowed = narrowed
		if e.router != nil {
			if narrowed {
				e.router.SetAllowedContextMask(ContextsAll &^ ContextSoundEffects)
			} else {
				e.router.SetAllowedContextMask(ContextsAll)
			}
		}
	}
}
