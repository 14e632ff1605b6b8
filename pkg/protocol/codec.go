package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed covers invalid JSON, a missing type and failed field validation.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for a well-formed object with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
)

type validator interface {
	validate() error
}

var registry = map[Type]func() Message{
	TypeSetID:                func() Message { return &SetID{} },
	TypeJoinRoom:             func() Message { return &JoinRoom{} },
	TypeLeaveRoom:            func() Message { return &LeaveRoom{} },
	TypeGetRoomUsers:         func() Message { return &GetRoomUsers{} },
	TypeRoomUsers:            func() Message { return &RoomUsers{} },
	TypeRooms:                func() Message { return &Rooms{} },
	TypeExistingParticipants: func() Message { return &ExistingParticipants{} },
	TypeNewParticipant:       func() Message { return &NewParticipant{} },
	TypeParticipantLeft:      func() Message { return &ParticipantLeft{} },
	TypeUpdateUsername:       func() Message { return &UpdateUsername{} },
	TypeOffer:                func() Message { return &Offer{} },
	TypeAnswer:               func() Message { return &Answer{} },
	TypeCandidate:            func() Message { return &Candidate{} },
	TypeVideoEnabled:         func() Message { return &VideoEnabled{} },
	TypeVideoDisabled:        func() Message { return &VideoDisabled{} },
	TypeScreenStopped:        func() Message { return &ScreenStopped{} },
	TypePing:                 func() Message { return &Ping{} },
	TypePong:                 func() Message { return &Pong{} },
	TypeError:                func() Message { return &Error{} },
}

type header struct {
	Type Type `json:"type"`
}

// PeekType returns the type tag without decoding the rest of the message.
func PeekType(data []byte) (Type, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return h.Type, nil
}

// Decode parses and validates one message. The returned value is a pointer
// to one of the message structs, e.g. *Offer.
func Decode(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	newMsg, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
		}
	}
	return msg, nil
}

// Encode serialises msg with its type tag as the first field.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a json object", msg.MessageType())
	}

	tag, _ := json.Marshal(string(msg.MessageType()))

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(bytes.TrimSpace(body[1:len(body)-1])) > 0 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages built from known-good values.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// Stamp sets the "from" field of a raw message to the given sender id. All
// other fields are carried over as raw JSON, so payloads are never
// re-interpreted by the relay.
func Stamp(data []byte, from string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sender, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	fields["from"] = sender

	return json.Marshal(fields)
}
