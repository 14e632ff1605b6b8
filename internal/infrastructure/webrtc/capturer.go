package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var ErrDeviceUnavailable = errors.New("capture device unavailable")

const opusFrame = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type CaptureConfig struct {
	FrameRate int
	// KeyframeInterval is the number of frames between synthetic keyframes.
	KeyframeInterval int
	// Unavailable lists roles whose device fails to open.
	Unavailable []domain.TrackRole
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{FrameRate: 15, KeyframeInterval: 30}
}

// SyntheticCapturer produces generated media: Opus silence for the
// microphone and placeholder VP8 frames for camera and screen. It lets the
// peer run headless.
type SyntheticCapturer struct {
	cfg      CaptureConfig
	streamID string
	logger   *zap.SugaredLogger
}

func NewSyntheticCapturer(cfg CaptureConfig, logger *zap.SugaredLogger) *SyntheticCapturer {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultCaptureConfig().FrameRate
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = DefaultCaptureConfig().KeyframeInterval
	}
	return &SyntheticCapturer{
		cfg:      cfg,
		streamID: "huddle-" + uuid.NewString(),
		logger:   logger,
	}
}

var captureLabels = map[domain.TrackRole]string{
	domain.RoleMicrophone: "Synthetic Microphone",
	domain.RoleCamera:     "Synthetic Camera",
	domain.RoleScreen:     "Synthetic Screen",
}

func (c *SyntheticCapturer) Open(ctx context.Context, role domain.TrackRole) (ports.CapturedTrack, error) {
	if err := ctx.Err(); err != nil {
		return ports.CapturedTrack{}, err
	}
	for _, r := range c.cfg.Unavailable {
		if r == role {
			return ports.CapturedTrack{}, fmt.Errorf("%w: %s", ErrDeviceUnavailable, role)
		}
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if role.IsVideo() {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	// microphone and camera share a stream, the screen gets its own
	streamID := c.streamID
	if role == domain.RoleScreen {
		streamID = c.streamID + "-screen"
	}

	track, err := webrtc.NewTrackLocalStaticSample(codec, uuid.NewString(), streamID)
	if err != nil {
		return ports.CapturedTrack{}, fmt.Errorf("failed to create %s track: %w", role, err)
	}

	stop := make(chan struct{})
	var once sync.Once
	go c.generate(track, role, stop)

	c.logger.Debugw("synthetic capture started", "role", role, "track_id", track.ID())
	return ports.CapturedTrack{
		Track: track,
		Label: captureLabels[role],
		Stop:  func() { once.Do(func() { close(stop) }) },
	}, nil
}

func (c *SyntheticCapturer) generate(track *webrtc.TrackLocalStaticSample, role domain.TrackRole, stop <-chan struct{}) {
	interval := opusFrame
	if role.IsVideo() {
		interval = time.Second / time.Duration(c.cfg.FrameRate)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-stop:
			c.logger.Debugw("synthetic capture stopped", "role", role, "track_id", track.ID())
			return
		case <-ticker.C:
		}

		data := opusSilence
		if role.IsVideo() {
			data = vp8Frame(frame%c.cfg.KeyframeInterval == 0)
		}
		// unbound tracks drop samples silently
		if err := track.WriteSample(media.Sample{Data: data, Duration: interval}); err != nil {
			c.logger.Debugw("failed to write sample", "role", role, "error", err)
		}
	}
}

// vp8Frame returns a minimal VP8 frame header. Keyframes carry the start
// code and a 320x240 size.
func vp8Frame(key bool) []byte {
	if !key {
		return []byte{0x31, 0x00, 0x00, 0x00}
	}
	return []byte{0x30, 0x01, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00, 0x00}
}
