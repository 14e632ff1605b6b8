package webrtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKeyframe_VP8(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"plain keyframe", []byte{0x10, 0x00}, true},
		{"plain delta frame", []byte{0x10, 0x01}, false},
		{"continuation packet", []byte{0x00, 0x00}, false},
		{"extended with 15-bit picture id", []byte{0x90, 0x80, 0x81, 0x23, 0x00}, true},
		{"extended with 7-bit picture id and tl0", []byte{0x90, 0xC0, 0x05, 0x01, 0x01}, false},
		{"truncated", []byte{0x90}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsKeyframe(webrtc.MimeTypeVP8, tt.payload))
		})
	}
}

func TestIsKeyframe_H264(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"idr", []byte{0x65, 0x88}, true},
		{"non-idr slice", []byte{0x41, 0x9a}, false},
		{"stap-a with sps", []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x02, 0x68, 0xce}, true},
		{"fu-a start of idr", []byte{0x7c, 0x85, 0x00}, true},
		{"fu-a middle of idr", []byte{0x7c, 0x05, 0x00}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsKeyframe(webrtc.MimeTypeH264, tt.payload))
		})
	}
	assert.False(t, IsKeyframe(webrtc.MimeTypeOpus, []byte{0x65}))
}

func TestTrackMonitor(t *testing.T) {
	m := NewTrackMonitor()
	m.Observe("bob", "cam", true, webrtc.MimeTypeVP8, &rtp.Packet{Payload: []byte{0x10, 0x00, 0xAA}})
	m.Observe("bob", "cam", true, webrtc.MimeTypeVP8, &rtp.Packet{Payload: []byte{0x10, 0x01}})
	m.Observe("alice", "mic", false, webrtc.MimeTypeOpus, &rtp.Packet{Payload: []byte{0xf8, 0xff, 0xfe}})

	stats := m.Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, "mic", stats[0].TrackID)
	assert.Equal(t, uint64(1), stats[0].Packets)
	assert.Equal(t, uint64(2), stats[1].Packets)
	assert.Equal(t, uint64(5), stats[1].Bytes)
	assert.Equal(t, uint64(1), stats[1].Keyframes)

	m.Forget("bob", "cam")
	assert.Len(t, m.Snapshot(), 1)
}
