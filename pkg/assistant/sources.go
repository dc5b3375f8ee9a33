package assistant

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func metadataKey(sink Address, id BroadcastID) string {
	return fmt.Sprintf("%s|%d", sink, id)
}

func (e *Engine) rememberMetadata(sink Address, meta *Metadata) {
	e.sinkMetadata.Set(metadataKey(sink, meta.BroadcastID), meta)
}

func (e *Engine) recallMetadata(sink Address, id BroadcastID) (*Metadata, bool) {
	return e.sinkMetadata.Get(metadataKey(sink, id))
}

func (e *Engine) forgetMetadata(sink Address, id BroadcastID) {
	e.sinkMetadata.Del(metadataKey(sink, id))
}

// --- add source ---

func (e *Engine) handleAddSource(sink Address, meta *Metadata, groupOp bool) {
	if meta == nil {
		e.notifyAddFailed(sink, nil, ReasonBadParameters)
		return
	}
	if n := len(meta.BroadcastCode); n != 0 && (n < 4 || n > 16) {
		e.logger.WithFields(logrus.Fields{
			"sink":     sink,
			"code_len": n,
		}).Error("broadcast code length out of range")
		e.notifyAddFailed(sink, meta, ReasonBadParameters)
		return
	}

	// A local broadcast can only be handed to sinks while it produces
	// audio (or is merely paused).
	if e.local != nil && e.local.Owns(meta.BroadcastID) &&
		!e.local.Playing(meta.BroadcastID) && !e.local.Paused(meta.BroadcastID) {
		e.logger.WithField("broadcast_id", meta.BroadcastID).
			Error("local broadcast not active")
		e.notifyAddFailed(sink, meta, ReasonBadParameters)
		return
	}

	if !groupOp && e.groups != nil {
		members := e.groups.Members(sink)
		if len(members) > 1 {
			for _, member := range members {
				e.addToSink(member, meta, true)
			}
			return
		}
	}

	e.addToSink(sink, meta, groupOp)
}

func (e *Engine) addToSink(sink Address, meta *Metadata, groupOp bool) {
	client, ok := e.sinks[sink]
	if !ok || !client.Ready() {
		e.notifyAddFailed(sink, meta, ReasonRemoteLinkError)
		return
	}

	id := meta.BroadcastID

	// Duplicate handling per policy: resume treats the add as an update of
	// the existing source, reject refuses it.
	for _, st := range client.AllSources() {
		if st.Empty() || st.BroadcastID != id {
			continue
		}
		if e.opts.DuplicateAddition == DuplicateReject {
			e.notifyAddFailed(sink, meta, ReasonDuplicateAddition)
			return
		}
		e.rememberMetadata(sink, meta)
		if err := client.UpdateSource(st.SourceID, PASyncModePAST, meta); err != nil {
			e.notifyAddFailed(sink, meta, ReasonRemoteLinkError)
		}
		return
	}

	if client.HasPendingOperation() {
		e.logger.WithField("sink", sink).Warn("source operation already pending")
		e.notifyAddFailed(sink, meta, ReasonRemoteNotEnoughResources)
		return
	}

	// Incomplete metadata needs an established sync and a discovered BASE
	// to be filled in; such an add waits for discovery, or fails outright
	// when the broadcast was never seen.
	s, haveSession := e.arb.session(id)
	discovered := haveSession && s.handle != PendingSyncHandle && s.baseData != nil
	if !discovered && metadataIncomplete(meta) {
		if haveSession || e.arb.queued(id) {
			e.deferAdd(sink, meta, groupOp)
			return
		}
		if r, cached := e.arb.cachedResult(id); cached {
			e.deferAdd(sink, meta, groupOp)
			e.arb.enqueue(r, id, true)
			e.dispatchNext()
			return
		}
		e.logger.WithField("broadcast_id", id).Error("unknown broadcast source")
		e.notifyAddFailed(sink, meta, ReasonBadParameters)
		return
	}

	merged := meta
	if discovered {
		merged = mergeMetadata(meta, e.sessionMetadata(s))
	}
	e.rememberMetadata(sink, merged)
	if groupOp {
		e.markGroupPending(sink, id)
	}

	// A sink at source capacity can still take the broadcast by replacing
	// a source it is not actively receiving.
	if e.sinkAtCapacity(client) {
		victim, found := e.switchCandidate(client)
		if !found || client.HasPendingSwitch() {
			e.notifyAddFailed(sink, merged, ReasonRemoteNotEnoughResources)
			return
		}
		e.history.Add("source switch: sink=%s out=%d in=%d", sink, victim, id)
		if err := client.SwitchSource(victim, merged); err != nil {
			e.notifyAddFailed(sink, merged, ReasonRemoteLinkError)
		}
		return
	}

	if err := client.AddSource(merged); err != nil {
		e.logger.WithError(err).WithField("sink", sink).Error("add source")
		e.notifyAddFailed(sink, merged, ReasonRemoteLinkError)
	}
}

// metadataIncomplete reports whether the add request lacks the source detail
// a sink needs, so discovery must fill it in first.
func metadataIncomplete(meta *Metadata) bool {
	return meta.SourceAddr == "" || len(meta.Subgroups) == 0
}

func (e *Engine) deferAdd(sink Address, meta *Metadata, groupOp bool) {
	e.pendingAdds[meta.BroadcastID] = append(e.pendingAdds[meta.BroadcastID],
		pendingAdd{sink: sink, meta: meta, groupOp: groupOp})
	e.history.Add("add deferred until sync: sink=%s broadcast=%d", sink, meta.BroadcastID)
}

func (e *Engine) sinkAtCapacity(client SinkClient) bool {
	used := 0
	for _, st := range client.AllSources() {
		if !st.Empty() {
			used++
		}
	}
	return used >= client.MaxSources()
}

// switchCandidate picks the source to replace on a full sink: one the sink
// is not PA/BIS synced to.
func (e *Engine) switchCandidate(client SinkClient) (int, bool) {
	for _, st := range client.AllSources() {
		if st.Empty() {
			continue
		}
		if !st.Active() && !client.SyncedToSource(st.SourceID) {
			return st.SourceID, true
		}
	}
	return 0, false
}

func (e *Engine) markGroupPending(sink Address, id BroadcastID) {
	if e.groupPending[sink] == nil {
		e.groupPending[sink] = make(map[BroadcastID]struct{})
	}
	e.groupPending[sink][id] = struct{}{}
}

// flushPendingAdds replays adds that waited for the broadcast's BASE.
func (e *Engine) flushPendingAdds(s *syncSession) {
	adds := e.pendingAdds[s.broadcastID]
	if len(adds) == 0 {
		return
	}
	delete(e.pendingAdds, s.broadcastID)
	for _, p := range adds {
		e.addToSink(p.sink, p.meta, p.groupOp)
	}
}

func (e *Engine) failPendingAdds(id BroadcastID, reason Reason) {
	adds := e.pendingAdds[id]
	if len(adds) == 0 {
		return
	}
	delete(e.pendingAdds, id)
	for _, p := range adds {
		e.notifyAddFailed(p.sink, p.meta, reason)
	}
}

func (e *Engine) notifyAddFailed(sink Address, meta *Metadata, reason Reason) {
	e.history.Add("add source failed: sink=%s reason=%s", sink, reason)
	e.callbacks.notify(func(cb Callbacks) { cb.SourceAddFailed(sink, meta, reason) })
}

// --- modify source ---

func (e *Engine) handleModifySource(sink Address, sourceID int, meta *Metadata) {
	client, ok := e.sinks[sink]
	if !ok || !client.Ready() {
		e.callbacks.notify(func(cb Callbacks) {
			cb.SourceModifyFailed(sink, sourceID, ReasonRemoteLinkError)
		})
		return
	}
	if !sinkHasSource(client, sourceID) {
		e.callbacks.notify(func(cb Callbacks) {
			cb.SourceModifyFailed(sink, sourceID, ReasonInvalidSourceID)
		})
		return
	}

	// A source added group-wide is modified group-wide, each member
	// reported on its own.
	if gid, managed := e.groupManaged[sink][sourceID]; managed && e.groups != nil {
		for _, member := range e.groups.Members(sink) {
			mc, ok := e.sinks[member]
			if !ok {
				continue
			}
			for _, st := range mc.AllSources() {
				if !st.Empty() && st.BroadcastID == gid {
					e.updateOnSink(member, mc, st.SourceID, meta)
				}
			}
		}
		return
	}

	e.updateOnSink(sink, client, sourceID, meta)
}

func (e *Engine) updateOnSink(sink Address, client SinkClient, sourceID int, meta *Metadata) {
	if meta != nil {
		e.rememberMetadata(sink, meta)
	}
	if err := client.UpdateSource(sourceID, PASyncModePAST, meta); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"sink":      sink,
			"source_id": sourceID,
		}).Error("update source")
		e.callbacks.notify(func(cb Callbacks) {
			cb.SourceModifyFailed(sink, sourceID, ReasonRemoteLinkError)
		})
	}
}

// --- remove source ---

func (e *Engine) handleRemoveSource(sink Address, sourceID int) {
	client, ok := e.sinks[sink]
	if !ok || !client.Ready() {
		e.callbacks.notify(func(cb Callbacks) {
			cb.SourceRemoveFailed(sink, sourceID, ReasonRemoteLinkError)
		})
		return
	}
	if !sinkHasSource(client, sourceID) {
		e.callbacks.notify(func(cb Callbacks) {
			cb.SourceRemoveFailed(sink, sourceID, ReasonInvalidSourceID)
		})
		return
	}

	// A source added group-wide is removed group-wide.
	if gid, managed := e.groupManaged[sink][sourceID]; managed && e.groups != nil {
		for _, member := range e.groups.Members(sink) {
			mc, ok := e.sinks[member]
			if !ok {
				continue
			}
			for _, st := range mc.AllSources() {
				if !st.Empty() && st.BroadcastID == gid {
					e.removeFromSink(member, mc, st)
				}
			}
		}
		return
	}

	for _, st := range client.AllSources() {
		if !st.Empty() && st.SourceID == sourceID {
			e.removeFromSink(sink, client, st)
			return
		}
	}
}

// removeFromSink removes one source, dropping PA sync first when the sink
// still holds it: the removal completes once the sink reports the source
// idle.
func (e *Engine) removeFromSink(sink Address, client SinkClient, st *ReceiveState) {
	if client.HasPendingOperationFor(st.BroadcastID) {
		client.CancelPendingOperation(st.BroadcastID)
	}

	if client.SyncedToSource(st.SourceID) || st.PASyncState == PASyncSynchronized {
		if e.pendingRemove[sink] == nil {
			e.pendingRemove[sink] = make(map[int]struct{})
		}
		e.pendingRemove[sink][st.SourceID] = struct{}{}

		meta, _ := e.recallMetadata(sink, st.BroadcastID)
		e.history.Add("staged removal: sink=%s source=%d", sink, st.SourceID)
		if err := client.UpdateSource(st.SourceID, PASyncModeNoPAST, meta); err != nil {
			delete(e.pendingRemove[sink], st.SourceID)
			e.callbacks.notify(func(cb Callbacks) {
				cb.SourceRemoveFailed(sink, st.SourceID, ReasonRemoteLinkError)
			})
		}
		return
	}

	if err := client.RemoveSource(st.SourceID); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"sink":      sink,
			"source_id": st.SourceID,
		}).Error("remove source")
		e.callbacks.notify(func(cb Callbacks) {
			cb.SourceRemoveFailed(sink, st.SourceID, ReasonRemoteLinkError)
		})
	}
}

func sinkHasSource(client SinkClient, sourceID int) bool {
	for _, st := range client.AllSources() {
		if !st.Empty() && st.SourceID == sourceID {
			return true
		}
	}
	return false
}

// --- sink operation outcomes ---

func (e *Engine) handleSinkOpResult(ev sinkOpResultEvent) {
	switch ev.op {
	case opAdd:
		if set, ok := e.groupPending[ev.sink]; ok {
			if _, pending := set[ev.id]; pending {
				delete(set, ev.id)
				if ev.reason == ReasonSuccess {
					if e.groupManaged[ev.sink] == nil {
						e.groupManaged[ev.sink] = make(map[int]BroadcastID)
					}
					e.groupManaged[ev.sink][ev.sourceID] = ev.id
				}
			}
		}
		if ev.reason != ReasonSuccess {
			meta, _ := e.recallMetadata(ev.sink, ev.id)
			e.forgetMetadata(ev.sink, ev.id)
			e.notifyAddFailed(ev.sink, meta, ev.reason)
			return
		}
		e.history.Add("source added: sink=%s source=%d broadcast=%d", ev.sink, ev.sourceID, ev.id)
		e.callbacks.notify(func(cb Callbacks) { cb.SourceAdded(ev.sink, ev.sourceID, ev.reason) })

	case opModify:
		if ev.reason != ReasonSuccess {
			e.callbacks.notify(func(cb Callbacks) {
				cb.SourceModifyFailed(ev.sink, ev.sourceID, ev.reason)
			})
			return
		}
		e.callbacks.notify(func(cb Callbacks) { cb.SourceModified(ev.sink, ev.sourceID, ev.reason) })

	case opRemove:
		if ev.reason != ReasonSuccess {
			e.callbacks.notify(func(cb Callbacks) {
				cb.SourceRemoveFailed(ev.sink, ev.sourceID, ev.reason)
			})
			return
		}
		if set, ok := e.pendingRemove[ev.sink]; ok {
			delete(set, ev.sourceID)
		}
		delete(e.groupManaged[ev.sink], ev.sourceID)
		e.forgetMetadata(ev.sink, ev.id)
		e.history.Add("source removed: sink=%s source=%d", ev.sink, ev.sourceID)
		e.callbacks.notify(func(cb Callbacks) { cb.SourceRemoved(ev.sink, ev.sourceID, ev.reason) })

		e.releaseIfUnused(ev.id)
	}
}

// releaseIfUnused gives the broadcast's sync resource back once no sink
// tracks it and no search would re-acquire it anyway.
func (e *Engine) releaseIfUnused(id BroadcastID) {
	if e.searching.Load() || e.broadcastInUse(id) {
		return
	}
	if _, paused := e.paused[id]; paused {
		return
	}
	if s, ok := e.arb.session(id); ok {
		e.cancelSession(s)
		e.arb.removeSession(id)
	}
	e.forgetBroadcast(id)
	e.dispatchNext()
}
