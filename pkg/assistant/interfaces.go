package assistant

import "time"

// ScanFilter narrows the scanner to advertisements carrying matching service
// data.
type ScanFilter struct {
	ServiceUUID     string
	ServiceData     []byte
	ServiceDataMask []byte
}

// Scanner abstracts the LE scan provider. Implementations deliver results
// back through Engine.HandleScanResult and Engine.HandleScanFailed.
type Scanner interface {
	StartScan(filters []ScanFilter) error
	StopScan() error
}

// SyncObserver receives hardware periodic-advertising sync events for one
// registration. The Engine installs one observer per in-flight registration.
type SyncObserver interface {
	SyncEstablished(handle SyncHandle, addr Address, advSID int, ok bool)
	PeriodicReport(handle SyncHandle, serviceData []byte)
	SyncLost(handle SyncHandle)
	BigInfoReport(handle SyncHandle, encrypted bool)
}

// PeriodicSyncManager abstracts the controller's periodic-advertising sync
// pool. RegisterSync is asynchronous; the outcome arrives on the observer.
// CancelSync tears down the registration associated with the observer,
// whether still pending or established.
type PeriodicSyncManager interface {
	RegisterSync(result *ScanResult, skip int, timeout time.Duration, obs SyncObserver) error
	CancelSync(obs SyncObserver) error

	// TransferSync points a connected sink at an established sync via PAST.
	TransferSync(sink Address, handle SyncHandle, sourceID int) error
}

// SinkClient is the per-sink BASS GATT client. Write operations are
// asynchronous; their outcomes come back through the Engine's
// NotifySinkSource* entry points and receive-state notifications.
type SinkClient interface {
	Address() Address
	Connected() bool

	// Ready reports whether BASS discovery finished and the client accepts
	// source operations.
	Ready() bool

	AllSources() []*ReceiveState
	SourceMetadata(sourceID int) *Metadata
	SyncedToSource(sourceID int) bool
	MaxSources() int

	HasPendingOperation() bool
	HasPendingOperationFor(id BroadcastID) bool
	HasPendingSwitch() bool
	CancelPendingOperation(id BroadcastID)

	AddSource(meta *Metadata) error
	UpdateSource(sourceID int, mode PASyncMode, meta *Metadata) error
	SwitchSource(removeSourceID int, meta *Metadata) error
	SetBroadcastCode(sourceID int, code []byte) error
	RemoveSource(sourceID int) error

	StartScanOffload() error
	StopScanOffload() error
}

// GroupProvider resolves coordinated-set membership. Members returns the
// sink's whole group in a stable order, the sink itself included.
type GroupProvider interface {
	Members(sink Address) []Address
}

// LocalBroadcaster exposes the state of broadcasts hosted on this device.
type LocalBroadcaster interface {
	Owns(id BroadcastID) bool
	Playing(id BroadcastID) bool
	Paused(id BroadcastID) bool
	Stop(id BroadcastID)
}

// AudioRouter is the hook into unicast audio routing policy.
type AudioRouter interface {
	AssistantActiveChanged(active bool)
	SetAllowedContextMask(mask ContextMask)
	InActiveUnicastGroup(sink Address) bool
	PrimaryDevice(sink Address) bool
}

// Callbacks is the listener surface for application-facing notifications.
// Methods are invoked from a dedicated dispatch goroutine, never from the
// caller of an Engine operation.
type Callbacks interface {
	SearchStarted(reason Reason)
	SearchStartFailed(reason Reason)
	SearchStopped(reason Reason)
	SearchStopFailed(reason Reason)

	SourceFound(meta *Metadata)
	SourceLost(id BroadcastID)

	SourceAdded(sink Address, sourceID int, reason Reason)
	SourceAddFailed(sink Address, meta *Metadata, reason Reason)
	SourceModified(sink Address, sourceID int, reason Reason)
	SourceModifyFailed(sink Address, sourceID int, reason Reason)
	SourceRemoved(sink Address, sourceID int, reason Reason)
	SourceRemoveFailed(sink Address, sourceID int, reason Reason)

	ReceiveStateChanged(sink Address, sourceID int, state *ReceiveState)
}
