// Package webrtc adapts pion/webrtc peer connections to the negotiation
// engine's transport port.
package webrtc

import (
	"fmt"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/logger"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	DisableDefaultInterceptors bool
	// LogLevel filters pion's own logging.
	LogLevel string
}

// TransportFactory builds one pion PeerConnection per peer session, all
// sharing a single API (codecs, interceptors, settings).
type TransportFactory struct {
	api     *webrtc.API
	conf    webrtc.Configuration
	monitor *TrackMonitor
	logger  *zap.SugaredLogger
}

// NewTransportFactory registers the default codecs and, unless disabled,
// the default interceptors (NACK, RTCP reports, TWCC). monitor may be nil.
func NewTransportFactory(cfg Config, monitor *TrackMonitor, log *zap.SugaredLogger) (*TransportFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if !cfg.DisableDefaultInterceptors {
		if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
			return nil, fmt.Errorf("failed to register interceptors: %w", err)
		}
	}

	s := webrtc.SettingEngine{LoggerFactory: logger.NewPionLoggerFactory(log, cfg.LogLevel)}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &TransportFactory{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf:    webrtc.Configuration{ICEServers: cfg.ICEServers},
		monitor: monitor,
		logger:  log,
	}, nil
}

func (f *TransportFactory) NewTransport(peerID domain.ParticipantID, events ports.TransportEvents) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &transport{
		peerID:  peerID,
		pc:      pc,
		events:  events,
		monitor: f.monitor,
		logger:  f.logger.With("peer_id", peerID),
	}
	t.bind()
	return t, nil
}
