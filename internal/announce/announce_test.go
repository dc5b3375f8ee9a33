package announce_test

import (
	"testing"

	"github.com/srg/bassist/internal/announce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serviceDataWithBroadcastID(id int) map[string][]byte {
	return map[string][]byte{
		announce.BroadcastAudioAnnouncementUUID.String(): {
			byte(id), byte(id >> 8), byte(id >> 16),
		},
	}
}

func TestBroadcastID_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   int
	}{
		{name: "zero", id: 0},
		{name: "small", id: 0x42},
		{name: "multi byte", id: 0x123456},
		{name: "max 24-bit", id: 0xFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := announce.BroadcastID(serviceDataWithBroadcastID(tt.id))
			require.True(t, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestBroadcastID_Absent(t *testing.T) {
	tests := []struct {
		name        string
		serviceData map[string][]byte
	}{
		{name: "nil map", serviceData: nil},
		{name: "no announcement entry", serviceData: map[string][]byte{"feed": {1, 2, 3}}},
		{
			name: "short payload",
			serviceData: map[string][]byte{
				announce.BroadcastAudioAnnouncementUUID.String(): {0x01, 0x02},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := announce.BroadcastID(tt.serviceData)
			assert.False(t, ok)
		})
	}
}

func TestParseLTV(t *testing.T) {
	t.Run("walks entries", func(t *testing.T) {
		raw := []byte{
			0x02, 0x01, 0x06, // flags
			0x05, 0x30, 'a', 'b', 'c', 'd', // broadcast name
		}
		entries, err := announce.ParseLTV(raw)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, byte(0x01), entries[0].Type)
		assert.Equal(t, []byte{0x06}, entries[0].Value)
		assert.Equal(t, byte(0x30), entries[1].Type)
		assert.Equal(t, []byte("abcd"), entries[1].Value)
	})

	t.Run("zero length terminates", func(t *testing.T) {
		entries, err := announce.ParseLTV([]byte{0x02, 0x01, 0x06, 0x00, 0xFF, 0xFF})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("length past buffer is malformed", func(t *testing.T) {
		_, err := announce.ParseLTV([]byte{0x09, 0x30, 'a'})
		assert.ErrorIs(t, err, announce.ErrMalformed)
	})
}

func TestBroadcastName(t *testing.T) {
	ltv := func(adType byte, value []byte) []byte {
		out := []byte{byte(len(value) + 1), adType}
		return append(out, value...)
	}

	t.Run("returns first name entry", func(t *testing.T) {
		raw := append(ltv(0x30, []byte("Lobby radio")), ltv(0x30, []byte("second name"))...)
		name, ok := announce.BroadcastName(raw)
		require.True(t, ok)
		assert.Equal(t, "Lobby radio", name)
	})

	t.Run("absent type", func(t *testing.T) {
		_, ok := announce.BroadcastName(ltv(0x09, []byte("local name")))
		assert.False(t, ok)
	})

	t.Run("too short", func(t *testing.T) {
		_, ok := announce.BroadcastName(ltv(0x30, []byte("abc")))
		assert.False(t, ok)
	})

	t.Run("too long", func(t *testing.T) {
		long := make([]byte, 33)
		for i := range long {
			long[i] = 'x'
		}
		_, ok := announce.BroadcastName(ltv(0x30, long))
		assert.False(t, ok)
	})

	t.Run("invalid utf8", func(t *testing.T) {
		_, ok := announce.BroadcastName(ltv(0x30, []byte{0xFF, 0xFE, 0xFD, 0xFC}))
		assert.False(t, ok)
	})

	t.Run("malformed LTV", func(t *testing.T) {
		_, ok := announce.BroadcastName([]byte{0x20, 0x30, 'a'})
		assert.False(t, ok)
	})
}

func TestParsePublicBroadcast(t *testing.T) {
	t.Run("features and metadata", func(t *testing.T) {
		pb, err := announce.ParsePublicBroadcast([]byte{0x05, 0x03, 0x03, 0x02, 0x04})
		require.NoError(t, err)
		assert.True(t, pb.Encrypted)
		assert.False(t, pb.StandardQuality)
		assert.True(t, pb.HighQuality)
		assert.Equal(t, []byte{0x03, 0x02, 0x04}, pb.Metadata)
	})

	t.Run("empty metadata", func(t *testing.T) {
		pb, err := announce.ParsePublicBroadcast([]byte{0x02, 0x00})
		require.NoError(t, err)
		assert.False(t, pb.Encrypted)
		assert.True(t, pb.StandardQuality)
		assert.Nil(t, pb.Metadata)
	})

	t.Run("truncated", func(t *testing.T) {
		for _, raw := range [][]byte{nil, {0x01}, {0x01, 0x05, 0xAA}} {
			_, err := announce.ParsePublicBroadcast(raw)
			assert.ErrorIs(t, err, announce.ErrPublicBroadcastTruncated)
		}
	})

	t.Run("absent from service data", func(t *testing.T) {
		_, ok := announce.PublicBroadcast(map[string][]byte{})
		assert.False(t, ok)
	})

	t.Run("present in service data", func(t *testing.T) {
		pb, ok := announce.PublicBroadcast(map[string][]byte{
			announce.PublicBroadcastAnnouncementUUID.String(): {0x01, 0x00},
		})
		require.True(t, ok)
		assert.True(t, pb.Encrypted)
	})
}
