package domain

import "fmt"

// TrackRole is the semantic role of a media track.
type TrackRole string

const (
	RoleMicrophone TrackRole = "microphone"
	RoleCamera     TrackRole = "camera"
	RoleScreen     TrackRole = "screen"
)

// AttachOrder is the fixed order in which local tracks are attached to a
// peer connection. It must never change between negotiations of a session.
var AttachOrder = []TrackRole{RoleMicrophone, RoleCamera, RoleScreen}

func ParseTrackRole(s string) (TrackRole, error) {
	switch r := TrackRole(s); r {
	case RoleMicrophone, RoleCamera, RoleScreen:
		return r, nil
	}
	return "", fmt.Errorf("unknown track role %q", s)
}

func (r TrackRole) IsVideo() bool { return r == RoleCamera || r == RoleScreen }

// RemoteMedia is the classified set of tracks received from one peer.
// Empty ids mean "no such track".
type RemoteMedia struct {
	Username      string
	Audio         string
	Camera        string
	Screen        string
	CameraEnabled bool
}
