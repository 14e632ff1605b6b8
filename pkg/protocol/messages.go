// Package protocol defines the signaling messages exchanged between
// participants and the relay. Every message is a JSON object whose "type"
// field selects exactly one of the structs below.
package protocol

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

type Type string

const (
	TypeSetID                Type = "set-id"
	TypeJoinRoom             Type = "join-room"
	TypeLeaveRoom            Type = "leave-room"
	TypeGetRoomUsers         Type = "get-room-users"
	TypeRoomUsers            Type = "room-users"
	TypeRooms                Type = "rooms"
	TypeExistingParticipants Type = "existing-participants"
	TypeNewParticipant       Type = "new-participant"
	TypeParticipantLeft      Type = "participant-left"
	TypeUpdateUsername       Type = "update-username"
	TypeOffer                Type = "offer"
	TypeAnswer               Type = "answer"
	TypeCandidate            Type = "candidate"
	TypeVideoEnabled         Type = "video-enabled"
	TypeVideoDisabled        Type = "video-disabled"
	TypeScreenStopped        Type = "screen-stopped"
	TypePing                 Type = "ping"
	TypePong                 Type = "pong"
	TypeError                Type = "error"
)

// Track role tags carried in offers and answers.
const (
	RoleMicrophone = "microphone"
	RoleCamera     = "camera"
	RoleScreen     = "screen"
)

// Message is implemented by every signaling message.
type Message interface {
	MessageType() Type
}

// Routed is implemented by peer-to-peer messages the relay forwards.
type Routed interface {
	Message
	Route() Routing
}

// Routing addresses a peer-to-peer message. From is always overwritten by
// the relay with the authenticated sender.
type Routing struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

func (r Routing) Route() Routing { return r }

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type RoomSummary struct {
	RoomID string `json:"roomId"`
	Users  int    `json:"users"`
}

type SetID struct {
	ID      string `json:"id"`
	Token   string `json:"token,omitempty"`
	Resumed bool   `json:"resumed,omitempty"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId,omitempty"`
}

type GetRoomUsers struct {
	RoomID string `json:"roomId"`
}

type RoomUsers struct {
	RoomID string     `json:"roomId"`
	Users  []UserInfo `json:"users"`
}

type Rooms struct {
	Rooms []RoomSummary `json:"rooms"`
}

type ExistingParticipants struct {
	Participants []UserInfo `json:"participants"`
}

type NewParticipant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type ParticipantLeft struct {
	ID string `json:"id"`
}

type UpdateUsername struct {
	Routing
	Username string `json:"username"`
}

// Offer carries a session description plus the sender's own track roles
// (track id -> role), which receivers trust over local heuristics.
type Offer struct {
	Routing
	Session    string                    `json:"session,omitempty"`
	Payload    webrtc.SessionDescription `json:"payload"`
	Tracks     map[string]string         `json:"tracks,omitempty"`
	ICERestart bool                      `json:"iceRestart,omitempty"`
}

type Answer struct {
	Routing
	Session string                    `json:"session,omitempty"`
	Payload webrtc.SessionDescription `json:"payload"`
	Tracks  map[string]string         `json:"tracks,omitempty"`
}

type Candidate struct {
	Routing
	Session string                  `json:"session,omitempty"`
	Payload webrtc.ICECandidateInit `json:"payload"`
}

type VideoEnabled struct{ Routing }

type VideoDisabled struct{ Routing }

type ScreenStopped struct{ Routing }

type Ping struct {
	TS int64 `json:"ts"`
}

type Pong struct {
	TS int64 `json:"ts,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (SetID) MessageType() Type                { return TypeSetID }
func (JoinRoom) MessageType() Type             { return TypeJoinRoom }
func (LeaveRoom) MessageType() Type            { return TypeLeaveRoom }
func (GetRoomUsers) MessageType() Type         { return TypeGetRoomUsers }
func (RoomUsers) MessageType() Type            { return TypeRoomUsers }
func (Rooms) MessageType() Type                { return TypeRooms }
func (ExistingParticipants) MessageType() Type { return TypeExistingParticipants }
func (NewParticipant) MessageType() Type       { return TypeNewParticipant }
func (ParticipantLeft) MessageType() Type      { return TypeParticipantLeft }
func (UpdateUsername) MessageType() Type       { return TypeUpdateUsername }
func (Offer) MessageType() Type                { return TypeOffer }
func (Answer) MessageType() Type               { return TypeAnswer }
func (Candidate) MessageType() Type            { return TypeCandidate }
func (VideoEnabled) MessageType() Type         { return TypeVideoEnabled }
func (VideoDisabled) MessageType() Type        { return TypeVideoDisabled }
func (ScreenStopped) MessageType() Type        { return TypeScreenStopped }
func (Ping) MessageType() Type                 { return TypePing }
func (Pong) MessageType() Type                 { return TypePong }
func (Error) MessageType() Type                { return TypeError }

// PointToPoint reports whether messages of type t may only be delivered to an
// explicitly named participant.
func PointToPoint(t Type) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

func (m SetID) validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (m JoinRoom) validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	return nil
}

func (m GetRoomUsers) validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	return nil
}

func (m NewParticipant) validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (m ParticipantLeft) validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (m UpdateUsername) validate() error {
	if m.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

func (m Offer) validate() error {
	if m.Payload.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("payload type must be offer, got %q", m.Payload.Type.String())
	}
	if m.Payload.SDP == "" {
		return fmt.Errorf("payload sdp is required")
	}
	return validateTracks(m.Tracks)
}

func (m Answer) validate() error {
	if m.Payload.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("payload type must be answer, got %q", m.Payload.Type.String())
	}
	if m.Payload.SDP == "" {
		return fmt.Errorf("payload sdp is required")
	}
	return validateTracks(m.Tracks)
}

func validateTracks(tracks map[string]string) error {
	for id, role := range tracks {
		if id == "" {
			return fmt.Errorf("tracks: empty track id")
		}
		switch role {
		case RoleMicrophone, RoleCamera, RoleScreen:
		default:
			return fmt.Errorf("tracks: unknown role %q for %s", role, id)
		}
	}
	return nil
}
