package redis

import "huddle/internal/core/domain"

const (
	keyPrefix         = "huddle:"
	participantsKey   = keyPrefix + "participants"
	roomsKey          = keyPrefix + "rooms"
	activityKey       = keyPrefix + "activity"
	schemaVersionKey  = keyPrefix + "schema:version"
	participantPrefix = keyPrefix + "participant:"
)

func participantKey(id domain.ParticipantID) string {
	return participantPrefix + string(id)
}

func roomKey(roomID domain.RoomID) string {
	return keyPrefix + "room:" + string(roomID) + ":participants"
}
