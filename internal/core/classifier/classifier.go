// Package classifier decides whether a media track is a microphone, a
// camera or a screen share. Decisions are cached per track id and never
// revised while the owning session lives.
package classifier

import (
	"strings"

	"huddle/internal/core/domain"
)

// Reason explains which rule produced a decision.
type Reason string

const (
	ReasonCached   Reason = "cached"
	ReasonAudio    Reason = "audio"
	ReasonHint     Reason = "sender-hint"
	ReasonIdentity Reason = "identity"
	ReasonLabel    Reason = "label"
	ReasonCoTrack  Reason = "co-track"
	ReasonDefault  Reason = "default"
)

var screenLabelMarkers = []string{"screen", "display", "monitor", "desktop", "window"}

// Observation describes one sighting of a track.
type Observation struct {
	TrackID  string
	StreamID string
	Audio    bool
	// Label is the capture device label; remote tracks usually have none.
	Label string
	// SiblingAudio is set when the track's stream also carries an audio track.
	SiblingAudio bool
}

type Classifier struct {
	decisions map[string]domain.TrackRole
	hints     map[string]domain.TrackRole
	camera    string
	screen    string
}

func New() *Classifier {
	return &Classifier{
		decisions: make(map[string]domain.TrackRole),
		hints:     make(map[string]domain.TrackRole),
	}
}

// Hint records the sender's own role for a track id. Hints never override
// a decision that was already made.
func (c *Classifier) Hint(trackID string, role domain.TrackRole) {
	if trackID == "" {
		return
	}
	c.hints[trackID] = role
}

// Remember registers an authoritative track identity for a role, e.g. a
// locally captured track.
func (c *Classifier) Remember(trackID string, role domain.TrackRole) {
	switch role {
	case domain.RoleCamera:
		c.camera = trackID
	case domain.RoleScreen:
		c.screen = trackID
	}
}

// Known returns the identity currently associated with a video role.
func (c *Classifier) Known(role domain.TrackRole) string {
	switch role {
	case domain.RoleCamera:
		return c.camera
	case domain.RoleScreen:
		return c.screen
	}
	return ""
}

// Classify returns the role for obs. The first decision for a track id is
// cached and returned for every later observation of that id.
func (c *Classifier) Classify(obs Observation) (domain.TrackRole, Reason) {
	if role, ok := c.decisions[obs.TrackID]; ok {
		return role, ReasonCached
	}

	role, reason := c.decide(obs)
	c.decisions[obs.TrackID] = role
	if c.Known(role) == "" {
		c.Remember(obs.TrackID, role)
	}
	return role, reason
}

func (c *Classifier) decide(obs Observation) (domain.TrackRole, Reason) {
	if obs.Audio {
		return domain.RoleMicrophone, ReasonAudio
	}

	if role, ok := c.hints[obs.TrackID]; ok && role.IsVideo() {
		return role, ReasonHint
	}

	if c.camera != "" && obs.TrackID == c.camera {
		return domain.RoleCamera, ReasonIdentity
	}
	if c.screen != "" && obs.TrackID == c.screen {
		return domain.RoleScreen, ReasonIdentity
	}

	if isScreenLabel(obs.Label) {
		return domain.RoleScreen, ReasonLabel
	}

	if !obs.SiblingAudio && c.camera != "" && obs.TrackID != c.camera {
		return domain.RoleScreen, ReasonCoTrack
	}

	return domain.RoleCamera, ReasonDefault
}

// Forget drops everything known about an ended track.
func (c *Classifier) Forget(trackID string) {
	delete(c.decisions, trackID)
	delete(c.hints, trackID)
	if c.camera == trackID {
		c.camera = ""
	}
	if c.screen == trackID {
		c.screen = ""
	}
}

func isScreenLabel(label string) bool {
	if label == "" {
		return false
	}
	l := strings.ToLower(label)
	for _, marker := range screenLabelMarkers {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}
