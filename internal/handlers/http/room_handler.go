// Package http exposes a read-only REST view of the relay's rooms.
package http

import (
	"context"
	"net/http"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/cache"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/validation"

	"github.com/gin-gonic/gin"
)

const roomsKey = "rooms"

type participantView struct {
	ID       domain.ParticipantID `json:"id"`
	Username string               `json:"username"`
	Detached bool                 `json:"detached,omitempty"`
}

type roomView struct {
	RoomID       domain.RoomID     `json:"roomId"`
	Participants []participantView `json:"participants"`
}

type RoomHandler struct {
	rooms         ports.RoomService
	cache         *cache.Cache[[]roomView]
	maxRoomLength int
}

// NewRoomHandler serves room listings cached for ttl.
func NewRoomHandler(rooms ports.RoomService, ttl time.Duration, maxRoomLength int) *RoomHandler {
	return &RoomHandler{
		rooms:         rooms,
		cache:         cache.New[[]roomView](ttl),
		maxRoomLength: maxRoomLength,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.cache.GetOrSet(c.Request.Context(), roomsKey, h.loadRooms)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to list rooms"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id, h.maxRoomLength); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	key := roomsKey + ":" + id
	rooms, err := h.cache.GetOrSet(c.Request.Context(), key, func(ctx context.Context) ([]roomView, error) {
		users, err := h.rooms.RoomUsers(ctx, domain.RoomID(id))
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			return nil, nil
		}
		return []roomView{newRoomView(domain.RoomID(id), users)}, nil
	})
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load room"))
		return
	}
	if len(rooms) == 0 {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", id))
		return
	}
	c.JSON(http.StatusOK, rooms[0])
}

// Close stops the cache sweeper.
func (h *RoomHandler) Close() {
	h.cache.Stop()
}

func (h *RoomHandler) loadRooms(ctx context.Context) ([]roomView, error) {
	occupancy, err := h.rooms.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]roomView, 0, len(occupancy))
	for _, o := range occupancy {
		out = append(out, newRoomView(o.RoomID, o.Participants))
	}
	return out, nil
}

func newRoomView(id domain.RoomID, participants []*domain.Participant) roomView {
	v := roomView{RoomID: id, Participants: make([]participantView, 0, len(participants))}
	for _, p := range participants {
		v.Participants = append(v.Participants, participantView{
			ID:       p.ID,
			Username: p.DisplayName,
			Detached: p.Detached,
		})
	}
	return v
}
