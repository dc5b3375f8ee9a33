// Package assistant implements the Broadcast Audio Scan Service broadcast
// assistant core: discovery of LE audio broadcast sources over periodic
// advertising, arbitration of the fixed pool of hardware sync resources, and
// coordination of source add/modify/remove/suspend/resume workflows across
// one or many grouped sink devices.
package assistant

import (
	"time"

	"github.com/srg/bassist/internal/announce"
)

// BroadcastID is the 24-bit identifier a broadcaster advertises in its
// Broadcast Audio Announcement service data.
type BroadcastID int

// SyncHandle identifies one hardware periodic-advertising sync resource.
type SyncHandle int

// Address identifies a device by its LE address string.
type Address string

// AddressType distinguishes public from random LE addresses.
type AddressType int

const (
	AddressTypePublic AddressType = 0
	AddressTypeRandom AddressType = 1

	invalidAddressType AddressType = -1
)

const (
	// InvalidSourceID marks the absence of a BASS source ID on a sink.
	InvalidSourceID = -1

	invalidAdvSID      = -1
	invalidAdvInterval = -1
)

// Reason is the typed outcome code carried by operation callbacks.
type Reason int

const (
	ReasonSuccess Reason = iota
	ReasonLocalRequest
	ReasonBadParameters
	ReasonRemoteLinkError
	ReasonLocalNotEnoughResources
	ReasonRemoteNotEnoughResources
	ReasonInvalidSourceID
	ReasonDuplicateAddition
	ReasonAlreadyInTargetState
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonSuccess:
		return "success"
	case ReasonLocalRequest:
		return "local request"
	case ReasonBadParameters:
		return "bad parameters"
	case ReasonRemoteLinkError:
		return "remote link error"
	case ReasonLocalNotEnoughResources:
		return "local not enough resources"
	case ReasonRemoteNotEnoughResources:
		return "remote not enough resources"
	case ReasonInvalidSourceID:
		return "invalid source id"
	case ReasonDuplicateAddition:
		return "duplicate addition"
	case ReasonAlreadyInTargetState:
		return "already in target state"
	default:
		return "unknown"
	}
}

// PauseType records why a broadcast is paused.
type PauseType int

const (
	// PauseHostIntentional marks a broadcast suspended by the host (local
	// stream takeover, explicit suspend, source switch).
	PauseHostIntentional PauseType = iota

	// PauseSinkUnintentional marks a broadcast some sink lost PA/BIG sync to
	// unexpectedly, with a resync attempt pending or timed out.
	PauseSinkUnintentional
)

func (p PauseType) String() string {
	if p == PauseHostIntentional {
		return "host-intentional"
	}
	return "sink-unintentional"
}

// PASyncState is a sink's periodic-advertising sync state for one source.
type PASyncState int

const (
	PASyncIdle PASyncState = iota
	PASyncInfoRequest
	PASyncSynchronized
	PASyncFailedToSync
	PASyncNoPAST
)

// PASyncMode selects how a sink should acquire PA sync on an update.
type PASyncMode int

const (
	PASyncModePAST PASyncMode = iota
	PASyncModeNoPAST
)

// BigEncryptionState is a sink's BIG encryption state for one source.
type BigEncryptionState int

const (
	BigNotEncrypted BigEncryptionState = iota
	BigCodeRequired
	BigDecrypting
	BigBadCode
)

// ContextMask is the LE audio allowed-context bitmask of a unicast group.
type ContextMask uint32

const (
	ContextSoundEffects ContextMask = 1 << 2
	ContextsAll         ContextMask = 0xFFFF
)

// ScanResult is one LE advertisement as delivered by the scanner provider.
type ScanResult struct {
	Addr           Address
	AddressType    AddressType
	AdvertisingSID int
	PAInterval     int
	RSSI           int

	// ServiceData maps service UUID strings to their payloads.
	ServiceData map[string][]byte

	// Raw is the advertisement payload as LTV structures, used for the
	// broadcast name lookup.
	Raw []byte
}

// BroadcastID extracts the broadcast ID from the result's service data.
func (r *ScanResult) BroadcastID() (BroadcastID, bool) {
	id, ok := announce.BroadcastID(r.ServiceData)
	if !ok {
		return 0, false
	}
	return BroadcastID(id), true
}

// SubgroupInfo describes one subgroup of a broadcast source.
type SubgroupInfo struct {
	CodecID     [5]byte
	CodecConfig []byte
	Metadata    []byte
	BISIndices  []int
}

// Metadata describes a broadcast source well enough to (re)configure a sink
// to synchronize to it.
type Metadata struct {
	SourceAddr     Address
	AddressType    AddressType
	AdvertisingSID int
	BroadcastID    BroadcastID
	PAInterval     int

	BroadcastName string
	Encrypted     bool

	// BroadcastCode, when non-empty, is sent to sinks in a follow-up
	// set-code operation. Valid lengths are 4..16 octets.
	BroadcastCode []byte

	PresentationDelay int
	Public            *announce.PublicBroadcastData
	Subgroups         []SubgroupInfo
}

// ReceiveState is a sink's view of one tracked broadcast source, owned by
// the sink's BASS server and treated as read-mostly input here.
type ReceiveState struct {
	SourceID       int
	SourceAddr     Address
	AddressType    AddressType
	AdvertisingSID int
	BroadcastID    BroadcastID

	PASyncState   PASyncState
	BigEncryption BigEncryptionState

	// SubgroupBISSync holds the per-subgroup BIS sync bitmask.
	SubgroupBISSync []uint32
}

// Empty reports whether the state tracks no source at all.
func (s *ReceiveState) Empty() bool {
	return s.SourceAddr == ""
}

// Active reports whether the sink is actively receiving: PA synchronized or
// any BIS synced.
func (s *ReceiveState) Active() bool {
	if s.PASyncState == PASyncSynchronized {
		return true
	}
	for _, mask := range s.SubgroupBISSync {
		if mask != 0 {
			return true
		}
	}
	return false
}

// TimeoutKind distinguishes the per-broadcast timers the supervisor drives.
type TimeoutKind int

const (
	// TimeoutSyncLost is the grace period after an unexpected sync loss
	// before the source is reported lost.
	TimeoutSyncLost TimeoutKind = iota

	// TimeoutBroadcastMonitor bounds how long a vanished broadcaster is
	// monitored for return.
	TimeoutBroadcastMonitor

	// TimeoutBigMonitor bounds how long receivers of an unintentionally
	// paused broadcast are kept around.
	TimeoutBigMonitor

	// TimeoutDialingOut bounds how long a local broadcast survives without
	// any connected receiver.
	TimeoutDialingOut
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutSyncLost:
		return "sync-lost"
	case TimeoutBroadcastMonitor:
		return "broadcast-monitor"
	case TimeoutBigMonitor:
		return "big-monitor"
	case TimeoutDialingOut:
		return "dialing-out"
	default:
		return "unknown"
	}
}

// DuplicatePolicy selects how adding an already-present source is handled.
type DuplicatePolicy int

const (
	// DuplicateResume treats the duplicate add as a resume/update of the
	// existing source.
	DuplicateResume DuplicatePolicy = iota

	// DuplicateReject fails the duplicate add with ReasonDuplicateAddition.
	DuplicateReject
)

// CachePolicy selects scan-cache behavior on search start/stop boundaries.
type CachePolicy int

const (
	// CacheRetainMonitored keeps cached results for broadcasts that stay
	// synced, paused, or awaited across the boundary.
	CacheRetainMonitored CachePolicy = iota

	// CacheClearAll drops the whole scan cache on the boundary.
	CacheClearAll
)

// Options configures an Engine.
type Options struct {
	// MaxActiveSyncedSources bounds the hardware PA sync pool.
	MaxActiveSyncedSources int

	// MaxBISDiscoveryTries bounds BASE parse attempts per established sync.
	MaxBISDiscoveryTries int

	DuplicateAddition DuplicatePolicy
	CacheRetention    CachePolicy

	// SortByFails prefers less-failing broadcasts among equal-priority sync
	// requests.
	SortByFails bool

	// PrimaryOnlyAssistantActive derives the assistant-active state from
	// primary devices only, instead of any connected sink.
	PrimaryOnlyAssistantActive bool

	SyncLostTimeout         time.Duration
	BroadcastMonitorTimeout time.Duration
	BigMonitorTimeout       time.Duration
	DialingOutTimeout       time.Duration
}

// DefaultOptions mirrors the stack defaults.
func DefaultOptions() Options {
	return Options{
		MaxActiveSyncedSources:  4,
		MaxBISDiscoveryTries:    5,
		DuplicateAddition:       DuplicateResume,
		CacheRetention:          CacheRetainMonitored,
		SortByFails:             true,
		SyncLostTimeout:         5 * time.Second,
		BroadcastMonitorTimeout: 5 * time.Minute,
		BigMonitorTimeout:       30 * time.Minute,
		DialingOutTimeout:       60 * time.Second,
	}
}
