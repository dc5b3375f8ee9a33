package assistant

import "io"

// event is the tagged union consumed by the engine loop. Every mutation of
// engine state happens by handling one of these on the loop goroutine.
type event interface{ isEvent() }

// --- scanner ---

type scanResultEvent struct{ result *ScanResult }

type scanFailedEvent struct{ code int }

// --- hardware sync observer ---

type syncEstablishedEvent struct {
	id     BroadcastID
	handle SyncHandle
	addr   Address
	advSID int
	ok     bool
}

type periodicReportEvent struct {
	id   BroadcastID
	data []byte
}

type syncLostEvent struct{ id BroadcastID }

type bigInfoEvent struct {
	id        BroadcastID
	encrypted bool
}

// --- watchdogs ---

type timeoutEvent struct {
	id   BroadcastID
	kind TimeoutKind
}

// --- application commands ---

type startSearchEvent struct{ filters []ScanFilter }

type stopSearchEvent struct{}

type addSourceEvent struct {
	sink    Address
	meta    *Metadata
	groupOp bool
}

type modifySourceEvent struct {
	sink     Address
	sourceID int
	meta     *Metadata
}

type removeSourceEvent struct {
	sink     Address
	sourceID int
}

type suspendEvent struct {
	id  BroadcastID
	all bool
}

type resumeEvent struct{}

type stopReceiversEvent struct{ id BroadcastID }

type cacheSuspendingEvent struct{ id BroadcastID }

type streamStatusEvent struct{ streaming bool }

// --- sink lifecycle and protocol feedback ---

type sinkConnectedEvent struct{ client SinkClient }

type sinkDisconnectedEvent struct {
	sink        Address
	intentional bool
}

type bassReadyEvent struct{ sink Address }

type bassSetupFailedEvent struct{ sink Address }

type receiveStateEvent struct {
	sink  Address
	state *ReceiveState
}

type sourceOpKind int

const (
	opAdd sourceOpKind = iota
	opModify
	opRemove
)

type sinkOpResultEvent struct {
	sink     Address
	op       sourceOpKind
	sourceID int
	id       BroadcastID
	reason   Reason
}

// --- diagnostics and test plumbing ---

type dumpEvent struct {
	w    io.Writer
	done chan struct{}
}

type flushEvent struct{ done chan struct{} }

type shutdownEvent struct{}

func (scanResultEvent) isEvent()       {}
func (scanFailedEvent) isEvent()       {}
func (syncEstablishedEvent) isEvent()  {}
func (periodicReportEvent) isEvent()   {}
func (syncLostEvent) isEvent()         {}
func (bigInfoEvent) isEvent()          {}
func (timeoutEvent) isEvent()          {}
func (startSearchEvent) isEvent()      {}
func (stopSearchEvent) isEvent()       {}
func (addSourceEvent) isEvent()        {}
func (modifySourceEvent) isEvent()     {}
func (removeSourceEvent) isEvent()     {}
func (suspendEvent) isEvent()          {}
func (resumeEvent) isEvent()           {}
func (stopReceiversEvent) isEvent()    {}
func (cacheSuspendingEvent) isEvent()  {}
func (streamStatusEvent) isEvent()     {}
func (sinkConnectedEvent) isEvent()    {}
func (sinkDisconnectedEvent) isEvent() {}
func (bassReadyEvent) isEvent()        {}
func (bassSetupFailedEvent) isEvent()  {}
func (receiveStateEvent) isEvent()     {}
func (sinkOpResultEvent) isEvent()     {}
func (dumpEvent) isEvent()             {}
func (flushEvent) isEvent()            {}
func (shutdownEvent) isEvent()         {}

// sessionObserver forwards hardware sync callbacks for one registration into
// the engine loop, tagged with the broadcast the registration belongs to.
type sessionObserver struct {
	engine *Engine
	id     BroadcastID
}

func (o *sessionObserver) SyncEstablished(handle SyncHandle, addr Address, advSID int, ok bool) {
	o.engine.post(syncEstablishedEvent{id: o.id, handle: handle, addr: addr, advSID: advSID, ok: ok})
}

func (o *sessionObserver) PeriodicReport(handle SyncHandle, serviceData []byte) {
	o.engine.post(periodicReportEvent{id: o.id, data: serviceData})
}

func (o *sessionObserver) SyncLost(handle SyncHandle) {
	o.engine.post(syncLostEvent{id: o.id})
}

func (o *sessionObserver) BigInfoReport(handle SyncHandle, encrypted bool) {
	o.engine.post(bigInfoEvent{id: o.id, encrypted: encrypted})
}
