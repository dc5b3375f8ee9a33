package assistant

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bassist/internal/announce"
	"github.com/srg/bassist/internal/base"
)

// --- scan results and sync acquisition ---

func (e *Engine) handleScanResult(r *ScanResult) {
	id, ok := r.BroadcastID()
	if !ok {
		return
	}

	e.arb.cacheResult(id, r)

	if _, exists := e.arb.session(id); exists {
		return
	}

	// A fresh advertisement supersedes the sync-lost grace period.
	e.timeouts.stop(id, TimeoutSyncLost)
	e.arb.enqueue(r, id, false)
	e.dispatchNext()
}

// dispatchNext starts the best queued sync request, evicting an active
// session when the pool is exhausted. The controller accepts one
// registration at a time, so nothing is dispatched while one is in flight.
func (e *Engine) dispatchNext() {
	if e.arb.hasPending() {
		return
	}

	for {
		req, ok := e.arb.popNext()
		if !ok {
			return
		}
		if _, exists := e.arb.session(req.broadcastID); exists {
			continue
		}

		if e.arb.atCapacity() {
			victim, ok := e.arb.selectVictim(e.broadcastInUse)
			if !ok {
				// Nothing evictable; abandon the request.
				e.logger.WithField("broadcast_id", req.broadcastID).
					Warn("sync pool exhausted, dropping request")
				e.failPendingAdds(req.broadcastID, ReasonLocalNotEnoughResources)
				continue
			}
			e.evictSession(victim)
		}

		if e.registerSync(req) {
			return
		}
	}
}

// registerSync issues the hardware registration for the request. Reports
// whether a registration is now in flight.
func (e *Engine) registerSync(req *syncRequest) bool {
	r := req.result
	s := &syncSession{
		addr:        r.Addr,
		addressType: r.AddressType,
		advSID:      r.AdvertisingSID,
		advInterval: r.PAInterval,
		broadcastID: req.broadcastID,
		rssi:        r.RSSI,
	}
	if name, ok := announce.BroadcastName(r.Raw); ok {
		s.name = name
	}
	if pb, ok := announce.PublicBroadcast(r.ServiceData); ok {
		s.public = pb
	}
	s.observer = &sessionObserver{engine: e, id: req.broadcastID}

	e.arb.addPending(s)
	if err := e.psync.RegisterSync(r, registerSyncSkip, registerSyncTimeout, s.observer); err != nil {
		e.logger.WithError(err).WithField("broadcast_id", req.broadcastID).
			Error("register sync")
		e.arb.removeSession(req.broadcastID)
		e.arb.bumpFail(req.broadcastID)
		e.failPendingAdds(req.broadcastID, ReasonLocalNotEnoughResources)
		return false
	}

	e.history.Add("sync requested: broadcast=%d addr=%s", req.broadcastID, r.Addr)
	return true
}

func (e *Engine) evictSession(s *syncSession) {
	e.logger.WithFields(logrus.Fields{
		"broadcast_id": s.broadcastID,
		"handle":       s.handle,
	}).Info("evicting sync session")
	e.history.Add("sync evicted: broadcast=%d", s.broadcastID)

	e.cancelSession(s)
	e.arb.removeSession(s.broadcastID)
}

func (e *Engine) cancelSession(s *syncSession) {
	if s.observer == nil {
		return
	}
	if err := e.psync.CancelSync(s.observer); err != nil {
		e.logger.WithError(err).WithField("broadcast_id", s.broadcastID).
			Warn("cancel sync")
	}
}

// --- hardware sync events ---

func (e *Engine) handleSyncEstablished(ev syncEstablishedEvent) {
	if !ev.ok {
		if _, found := e.arb.removeSession(ev.id); found {
			e.arb.bumpFail(ev.id)
			e.history.Add("sync failed: broadcast=%d fails=%d", ev.id, e.arb.failCount(ev.id))
			e.failPendingAdds(ev.id, ReasonLocalNotEnoughResources)

			// A broadcast some sink lost involuntarily keeps being
			// chased; anything else is reported lost, and a stale
			// cache entry must not outlive an active search.
			if pt, paused := e.paused[ev.id]; paused && pt == PauseSinkUnintentional {
				e.timeouts.start(ev.id, TimeoutBroadcastMonitor, e.opts.BroadcastMonitorTimeout)
				if r, cached := e.arb.cachedResult(ev.id); cached {
					e.arb.enqueue(r, ev.id, true)
				}
			} else {
				if e.searching.Load() {
					e.arb.dropCached(ev.id)
				}
				id := ev.id
				e.callbacks.notify(func(cb Callbacks) { cb.SourceLost(id) })
			}
		}
		e.dispatchNext()
		return
	}

	s, ok := e.arb.promote(ev.id, ev.handle)
	if !ok {
		// Canceled while in flight.
		e.logger.WithField("broadcast_id", ev.id).Debug("sync established for unknown session")
		return
	}

	e.arb.resetFails(ev.id)
	e.timeouts.stop(ev.id, TimeoutSyncLost)
	e.timeouts.stop(ev.id, TimeoutBroadcastMonitor)
	e.history.Add("sync established: broadcast=%d handle=%d", ev.id, ev.handle)
	e.logger.WithFields(logrus.Fields{
		"broadcast_id": ev.id,
		"handle":       ev.handle,
		"addr":         ev.addr,
	}).Info("sync established")

	// Sinks that asked for sync info before we held the sync get their
	// PAST transfer now.
	for sink, entry := range e.pendingPAST {
		if entry.id != ev.id {
			continue
		}
		e.transferSync(sink, s.handle, entry.sourceID)
		delete(e.pendingPAST, sink)
	}

	e.dispatchNext()
}

func (e *Engine) transferSync(sink Address, handle SyncHandle, sourceID int) {
	if err := e.psync.TransferSync(sink, handle, sourceID); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"sink":      sink,
			"handle":    handle,
			"source_id": sourceID,
		}).Warn("PAST transfer")
		return
	}
	e.history.Add("PAST transfer: sink=%s handle=%d source=%d", sink, handle, sourceID)
}

func (e *Engine) handlePeriodicReport(id BroadcastID, data []byte) {
	s, ok := e.arb.session(id)
	if !ok || s.handle == PendingSyncHandle {
		return
	}
	if s.baseData != nil {
		return
	}

	bd, err := base.Parse(data)
	if err != nil {
		s.bisTries++
		if s.bisTries < e.arb.maxBISTries {
			return
		}
		// The broadcast never produced a parsable BASE; give the sync
		// resource back.
		e.logger.WithError(err).WithFields(logrus.Fields{
			"broadcast_id": id,
			"tries":        s.bisTries,
		}).Warn("BIS discovery exhausted")
		e.history.Add("BIS discovery exhausted: broadcast=%d", id)
		e.cancelSession(s)
		e.arb.removeSession(id)
		e.arb.bumpFail(id)
		e.failPendingAdds(id, ReasonRemoteLinkError)
		e.dispatchNext()
		return
	}

	s.baseData = bd
	s.bisTries = 0
	e.history.Add("BASE discovered: broadcast=%d subgroups=%d bis=%d",
		id, bd.NumSubgroups(), bd.NumBISIndices)

	e.notifySourceFound(s)
	e.flushPendingAdds(s)
}

func (e *Engine) handleBigInfo(id BroadcastID, encrypted bool) {
	s, ok := e.arb.session(id)
	if !ok || s.handle == PendingSyncHandle {
		return
	}

	s.bigEncrypted = encrypted
	if s.baseData != nil {
		e.notifySourceFound(s)
	}

	// BIG traffic proves the broadcaster is back; resume receivers that
	// lost it unexpectedly.
	if pt, paused := e.paused[id]; paused && pt == PauseSinkUnintentional {
		e.timeouts.stop(id, TimeoutBigMonitor)
		e.resumeBroadcast(id)
	}
}

func (e *Engine) notifySourceFound(s *syncSession) {
	if s.notified {
		return
	}
	s.notified = true

	meta := e.sessionMetadata(s)
	e.history.Add("source found: broadcast=%d name=%q", s.broadcastID, s.name)
	e.callbacks.notify(func(cb Callbacks) { cb.SourceFound(meta) })
}

func (e *Engine) handleSyncLost(id BroadcastID) {
	if _, ok := e.arb.removeSession(id); !ok {
		return
	}

	e.history.Add("sync lost: broadcast=%d", id)
	e.logger.WithField("broadcast_id", id).Info("sync lost")

	// Grace period before the source is reported gone; the scan cache is
	// kept so a reappearing broadcaster can be re-acquired.
	e.timeouts.start(id, TimeoutSyncLost, e.opts.SyncLostTimeout)
	e.dispatchNext()
}

// --- watchdog cascade ---

// handleTimeout runs the lost-broadcast escalation. Each stage arms the next
// explicitly: sync-lost grace ends by starting the broadcast monitor, whose
// expiry pauses receivers and starts the BIG monitor, whose expiry stops
// them.
func (e *Engine) handleTimeout(id BroadcastID, kind TimeoutKind) {
	switch kind {
	case TimeoutSyncLost:
		e.handleSyncLostTimeout(id)
	case TimeoutBroadcastMonitor:
		e.handleBroadcastMonitorTimeout(id)
	case TimeoutBigMonitor:
		e.history.Add("BIG monitor expired: broadcast=%d", id)
		e.handleStopReceivers(id)
	case TimeoutDialingOut:
		e.handleDialingOutTimeout(id)
	}
}

func (e *Engine) handleSyncLostTimeout(id BroadcastID) {
	if !e.broadcastInUse(id) {
		e.history.Add("source lost: broadcast=%d", id)
		e.callbacks.notify(func(cb Callbacks) { cb.SourceLost(id) })
		e.forgetBroadcast(id)
		return
	}

	// Sinks still rely on the broadcast: try to re-acquire and watch for
	// the broadcaster's return.
	if r, ok := e.arb.cachedResult(id); ok {
		e.arb.enqueue(r, id, true)
		e.dispatchNext()
	}
	e.timeouts.start(id, TimeoutBroadcastMonitor, e.opts.BroadcastMonitorTimeout)
}

func (e *Engine) handleBroadcastMonitorTimeout(id BroadcastID) {
	e.history.Add("broadcast monitor expired: broadcast=%d", id)

	e.arb.removeQueued(id)
	if s, ok := e.arb.session(id); ok {
		e.cancelSession(s)
		e.arb.removeSession(id)
	}

	// Receivers stay configured but are considered paused through no intent
	// of the host; bound how long that state may persist.
	e.rememberSuspendedSinks(id)
	e.paused[id] = PauseSinkUnintentional
	e.timeouts.start(id, TimeoutBigMonitor, e.opts.BigMonitorTimeout)

	e.callbacks.notify(func(cb Callbacks) { cb.SourceLost(id) })
}

func (e *Engine) handleDialingOutTimeout(id BroadcastID) {
	if e.local == nil || !e.local.Owns(id) {
		return
	}
	if len(e.localReceivers[id]) > 0 {
		return
	}
	e.history.Add("dialing-out expired: broadcast=%d, stopping local broadcast", id)
	e.logger.WithField("broadcast_id", id).Info("no receivers joined, stopping local broadcast")
	e.local.Stop(id)
}

// forgetBroadcast drops every trace of a broadcast nobody needs anymore.
func (e *Engine) forgetBroadcast(id BroadcastID) {
	e.arb.dropCached(id)
	e.arb.resetFails(id)
	e.arb.removeQueued(id)
	e.timeouts.stopAll(id)
	delete(e.paused, id)
	delete(e.suspendedSinks, id)
	delete(e.pendingAdds, id)
	delete(e.localReceivers, id)
}

// --- metadata synthesis ---

// sessionMetadata builds source metadata from everything learned about the
// broadcast: advertisement, public announcement, and BASE.
func (e *Engine) sessionMetadata(s *syncSession) *Metadata {
	m := &Metadata{
		SourceAddr:     s.addr,
		AddressType:    s.addressType,
		AdvertisingSID: s.advSID,
		BroadcastID:    s.broadcastID,
		PAInterval:     s.advInterval,
		BroadcastName:  s.name,
		Encrypted:      s.bigEncrypted,
	}
	if s.public != nil {
		m.Public = s.public
		m.Encrypted = m.Encrypted || s.public.Encrypted
	}
	if s.baseData != nil {
		d := s.baseData.PresentationDelay
		m.PresentationDelay = int(d[0]) | int(d[1])<<8 | int(d[2])<<16
		for i, sg := range s.baseData.Subgroups {
			info := SubgroupInfo{
				CodecID:     sg.CodecID,
				CodecConfig: sg.CodecConfig,
				Metadata:    sg.Metadata,
			}
			for _, bis := range s.baseData.BISEntries {
				if bis.SubgroupID == i {
					info.BISIndices = append(info.BISIndices, int(bis.Index))
				}
			}
			m.Subgroups = append(m.Subgroups, info)
		}
	}
	return m
}

// mergeMetadata fills a caller-supplied add request with discovered source
// detail, keeping caller intent (broadcast code, explicit subgroups).
func mergeMetadata(requested, discovered *Metadata) *Metadata {
	if discovered == nil {
		return requested
	}
	merged := *discovered
	merged.BroadcastCode = requested.BroadcastCode
	if len(requested.Subgroups) > 0 {
		merged.Subgroups = requested.Subgroups
	}
	return &merged
}
