package testutils

import (
	"github.com/srg/bassist/internal/announce"
)

// AnnouncementBuilder builds the advertising payload fragments of an LE Audio
// broadcast announcement for tests. It provides a fluent API for assembling
// the service data map and the raw AD bytes so tests only state the fields
// they care about.
type AnnouncementBuilder struct {
	id       int
	address  string
	rssi     int
	name     string
	public   bool
	features byte
	metadata []byte
}

// Public Broadcast Announcement feature bits, mirroring the wire format.
const (
	pbaEncrypted       = 1 << 0
	pbaStandardQuality = 1 << 1
	pbaHighQuality     = 1 << 2
)

// NewAnnouncementBuilder creates an AnnouncementBuilder for the given
// broadcast ID with a default address and RSSI.
func NewAnnouncementBuilder(id int) *AnnouncementBuilder {
	return &AnnouncementBuilder{
		id:      id,
		address: "AA:BB:CC:00:00:01",
		rssi:    -50,
	}
}

// WithAddress sets the advertiser address.
func (b *AnnouncementBuilder) WithAddress(addr string) *AnnouncementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength.
func (b *AnnouncementBuilder) WithRSSI(rssi int) *AnnouncementBuilder {
	b.rssi = rssi
	return b
}

// WithName sets the broadcast name carried as a Broadcast_Name AD structure.
func (b *AnnouncementBuilder) WithName(name string) *AnnouncementBuilder {
	b.name = name
	return b
}

// WithPublicFeatures adds a Public Broadcast Announcement with the given
// feature bits.
func (b *AnnouncementBuilder) WithPublicFeatures(encrypted, standard, high bool) *AnnouncementBuilder {
	b.public = true
	b.features = 0
	if encrypted {
		b.features |= pbaEncrypted
	}
	if standard {
		b.features |= pbaStandardQuality
	}
	if high {
		b.features |= pbaHighQuality
	}
	return b
}

// WithProgramInfo sets the Public Broadcast Announcement metadata LTVs.
func (b *AnnouncementBuilder) WithProgramInfo(metadata []byte) *AnnouncementBuilder {
	b.public = true
	b.metadata = metadata
	return b
}

// Address returns the configured advertiser address.
func (b *AnnouncementBuilder) Address() string { return b.address }

// RSSI returns the configured signal strength.
func (b *AnnouncementBuilder) RSSI() int { return b.rssi }

// ServiceData assembles the advertisement service data keyed by UUID string:
// the Broadcast Audio Announcement carrying the little-endian 24-bit
// broadcast ID, plus the Public Broadcast Announcement when configured.
func (b *AnnouncementBuilder) ServiceData() map[string][]byte {
	sd := map[string][]byte{
		announce.BroadcastAudioAnnouncementUUID.String(): {
			byte(b.id), byte(b.id >> 8), byte(b.id >> 16),
		},
	}
	if b.public {
		pba := append([]byte{b.features, byte(len(b.metadata))}, b.metadata...)
		sd[announce.PublicBroadcastAnnouncementUUID.String()] = pba
	}
	return sd
}

// Raw assembles the raw AD bytes: the Broadcast_Name structure when a name is
// set, nil otherwise.
func (b *AnnouncementBuilder) Raw() []byte {
	if b.name == "" {
		return nil
	}
	return append([]byte{byte(len(b.name) + 1), announce.BroadcastNameADType}, []byte(b.name)...)
}
