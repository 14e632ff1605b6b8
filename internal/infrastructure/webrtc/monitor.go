package webrtc

import (
	"sort"
	"strings"
	"sync"
	"time"

	"huddle/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type TrackStats struct {
	PeerID     domain.ParticipantID
	TrackID    string
	Video      bool
	Packets    uint64
	Bytes      uint64
	Keyframes  uint64
	LastPacket time.Time
}

type trackKey struct {
	peer  domain.ParticipantID
	track string
}

// TrackMonitor keeps packet and keyframe counters for inbound tracks.
type TrackMonitor struct {
	mu    sync.RWMutex
	stats map[trackKey]*TrackStats
	now   func() time.Time
}

func NewTrackMonitor() *TrackMonitor {
	return &TrackMonitor{
		stats: make(map[trackKey]*TrackStats),
		now:   time.Now,
	}
}

func (m *TrackMonitor) Observe(peerID domain.ParticipantID, trackID string, video bool, mimeType string, pkt *rtp.Packet) {
	key := trackKey{peer: peerID, track: trackID}
	keyframe := video && IsKeyframe(mimeType, pkt.Payload)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[key]
	if !ok {
		s = &TrackStats{PeerID: peerID, TrackID: trackID, Video: video}
		m.stats[key] = s
	}
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	if keyframe {
		s.Keyframes++
	}
	s.LastPacket = m.now()
}

func (m *TrackMonitor) Forget(peerID domain.ParticipantID, trackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, trackKey{peer: peerID, track: trackID})
}

// Snapshot returns a copy of every counter, ordered by peer and track.
func (m *TrackMonitor) Snapshot() []TrackStats {
	m.mu.RLock()
	out := make([]TrackStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PeerID != out[j].PeerID {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

// IsKeyframe reports whether an RTP payload starts a keyframe. VP8 and
// H264 are recognised; other codecs report false.
func IsKeyframe(mimeType string, payload []byte) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return vp8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return h264Keyframe(payload)
	default:
		return false
	}
}

// vp8Keyframe parses the payload descriptor (RFC 7741 section 4.2) and
// checks the inverse key frame flag of the first partition.
func vp8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	start := payload[0]&0x10 != 0
	partition := payload[0] & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if payload[0]&0x80 != 0 {
		if len(payload) <= i {
			return false
		}
		ext := payload[i]
		i++
		if ext&0x80 != 0 { // picture id
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // tl0picidx
			i++
		}
		if ext&0x30 != 0 { // tid / keyidx
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}

const (
	naluIDR  = 5
	naluSPS  = 7
	naluSTAP = 24
	naluFUA  = 28
)

func h264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case naluIDR, naluSPS:
		return true
	case naluSTAP:
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				return false
			}
			if t := payload[i] & 0x1F; t == naluIDR || t == naluSPS {
				return true
			}
			i += size
		}
		return false
	case naluFUA:
		return len(payload) > 1 && payload[1]&0x80 != 0 && payload[1]&0x1F == naluIDR
	default:
		return false
	}
}
