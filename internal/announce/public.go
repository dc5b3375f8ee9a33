package announce

import (
	"errors"
	"fmt"
)

// Public Broadcast Announcement feature bits.
const (
	featureEncrypted       = 1 << 0
	featureStandardQuality = 1 << 1
	featureHighQuality     = 1 << 2
)

// ErrPublicBroadcastTruncated reports public broadcast service data whose
// declared metadata length exceeds the buffer.
var ErrPublicBroadcastTruncated = errors.New("announce: truncated public broadcast data")

// PublicBroadcastData carries the parsed Public Broadcast Announcement:
// the features octet and the program-info metadata LTVs.
type PublicBroadcastData struct {
	Encrypted       bool
	StandardQuality bool
	HighQuality     bool
	Metadata        []byte
}

// ParsePublicBroadcast decodes the Public Broadcast Announcement service
// data: features octet, metadata length octet, metadata bytes.
func ParsePublicBroadcast(raw []byte) (*PublicBroadcastData, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: need features and metadata length, have %d bytes",
			ErrPublicBroadcastTruncated, len(raw))
	}

	features := raw[0]
	metaLen := int(raw[1])
	if 2+metaLen > len(raw) {
		return nil, fmt.Errorf("%w: metadata declares %d bytes, %d remaining",
			ErrPublicBroadcastTruncated, metaLen, len(raw)-2)
	}

	pb := &PublicBroadcastData{
		Encrypted:       features&featureEncrypted != 0,
		StandardQuality: features&featureStandardQuality != 0,
		HighQuality:     features&featureHighQuality != 0,
	}
	if metaLen > 0 {
		pb.Metadata = make([]byte, metaLen)
		copy(pb.Metadata, raw[2:2+metaLen])
	}
	return pb, nil
}
