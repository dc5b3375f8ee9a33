// Package announce extracts broadcast announcement fields from LE
// advertisement payloads: the 24-bit broadcast ID from the Broadcast Audio
// Announcement service data, the public broadcast announcement, and the
// broadcast name carried as an AD structure.
package announce

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-ble/ble"
)

// Assigned 16-bit service UUIDs (Bluetooth SIG assigned numbers).
var (
	// BroadcastAudioAnnouncementUUID keys the service data carrying the
	// broadcast ID.
	BroadcastAudioAnnouncementUUID = ble.UUID16(0x1852)

	// PublicBroadcastAnnouncementUUID keys the public broadcast service data.
	PublicBroadcastAnnouncementUUID = ble.UUID16(0x1856)

	// BroadcastAudioScanServiceUUID identifies the BASS GATT service on sinks.
	BroadcastAudioScanServiceUUID = ble.UUID16(0x184F)
)

const (
	broadcastIDLength = 3

	// BroadcastNameADType is the AD type of the Broadcast_Name structure.
	BroadcastNameADType = 0x30

	broadcastNameLenMin = 4
	broadcastNameLenMax = 32
)

// ErrMalformed reports an LTV stream whose length fields do not cover the
// buffer.
var ErrMalformed = errors.New("announce: malformed LTV structure")

// TypeValue is one parsed AD structure of a length-type-value stream.
type TypeValue struct {
	Type  byte
	Value []byte
}

// ParseLTV walks a length-type-value stream as found in advertisement
// payloads. A zero length octet terminates the walk; a length running past
// the buffer makes the whole stream malformed.
func ParseLTV(raw []byte) ([]TypeValue, error) {
	var entries []TypeValue
	for offset := 0; offset < len(raw); {
		length := int(raw[offset])
		if length == 0 {
			break
		}
		if offset+1+length > len(raw) {
			return nil, fmt.Errorf("%w: entry at offset %d declares %d bytes",
				ErrMalformed, offset, length)
		}
		entries = append(entries, TypeValue{
			Type:  raw[offset+1],
			Value: raw[offset+2 : offset+1+length],
		})
		offset += 1 + length
	}
	return entries, nil
}

// BroadcastID extracts the little-endian 24-bit broadcast ID from the
// Broadcast Audio Announcement service data. ok is false when the service
// data is absent or too short.
func BroadcastID(serviceData map[string][]byte) (int, bool) {
	raw, found := serviceData[BroadcastAudioAnnouncementUUID.String()]
	if !found || len(raw) < broadcastIDLength {
		return 0, false
	}
	id := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16
	return id, true
}

// PublicBroadcast extracts and parses the Public Broadcast Announcement
// service data. ok is false when absent or undecodable.
func PublicBroadcast(serviceData map[string][]byte) (*PublicBroadcastData, bool) {
	raw, found := serviceData[PublicBroadcastAnnouncementUUID.String()]
	if !found {
		return nil, false
	}
	pb, err := ParsePublicBroadcast(raw)
	if err != nil {
		return nil, false
	}
	return pb, true
}

// BroadcastName finds the Broadcast_Name AD structure in the raw
// advertisement bytes. Only the first occurrence is used. ok is false when
// the structure is absent, out of length bounds, or not valid UTF-8.
func BroadcastName(raw []byte) (string, bool) {
	entries, err := ParseLTV(raw)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.Type != BroadcastNameADType {
			continue
		}
		if len(entry.Value) < broadcastNameLenMin || len(entry.Value) > broadcastNameLenMax {
			return "", false
		}
		if !utf8.Valid(entry.Value) {
			return "", false
		}
		return string(entry.Value), true
	}
	return "", false
}
