package main

import (
	"huddle/internal/core/domain"

	"go.uber.org/zap"
)

// logRenderer stands in for a UI: it reports remote media changes in the log.
type logRenderer struct {
	logger *zap.SugaredLogger
}

func (r logRenderer) RemoteMediaUpdated(peerID domain.ParticipantID, media domain.RemoteMedia) {
	r.logger.Infow("remote media updated",
		"peer_id", peerID,
		"username", media.Username,
		"audio", media.Audio,
		"camera", media.Camera,
		"camera_enabled", media.CameraEnabled,
		"screen", media.Screen,
	)
}

func (r logRenderer) PeerRemoved(peerID domain.ParticipantID) {
	r.logger.Infow("peer removed", "peer_id", peerID)
}

func (r logRenderer) CaptureFailed(role domain.TrackRole, err error) {
	r.logger.Warnw("capture failed", "role", role, "error", err)
}
