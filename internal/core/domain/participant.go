package domain

import "time"

type ParticipantID string

type RoomID string

// SessionID identifies one incarnation of a peer session. A recreated
// session gets a fresh id so stray messages for the old one can be told apart.
type SessionID string

type Participant struct {
	ID           ParticipantID `json:"id"`
	DisplayName  string        `json:"username"`
	RoomID       RoomID        `json:"roomId,omitempty"`
	LastActivity time.Time     `json:"lastActivity"`
	ConnectedAt  time.Time     `json:"connectedAt"`

	// Detached participants lost their socket and are waiting to be resumed.
	Detached   bool      `json:"detached,omitempty"`
	DetachedAt time.Time `json:"detachedAt,omitempty"`
}

func (p *Participant) InRoom() bool { return p.RoomID != "" }

// Stale reports whether the participant has been silent for longer than timeout.
func (p *Participant) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastActivity) > timeout
}

// RoomOccupancy is a computed view of one room.
type RoomOccupancy struct {
	RoomID       RoomID         `json:"roomId"`
	Participants []*Participant `json:"participants"`
}
