package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/protocol"
	"huddle/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Drop reasons reported to Metrics.MessageDropped.
const (
	dropRateLimited = "rate_limited"
	dropMalformed   = "malformed"
	dropUnroutable  = "unroutable"
	dropUnexpected  = "unexpected_type"
	dropRejected    = "rejected"
)

type ServerConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	// ResumeGrace > 0 keeps a participant detached after its socket drops
	// so it can resume. Zero removes it immediately.
	ResumeGrace    time.Duration
	SendBuffer     int
	MaxMessageSize int64

	// MessagesPerSecond <= 0 disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		WriteTimeout:      10 * time.Second,
		ResumeGrace:       60 * time.Second,
		SendBuffer:        64,
		MaxMessageSize:    64 * 1024,
	}
}

// WebSocketServer terminates participant sockets, turns inbound messages
// into RoomService calls and runs the heartbeat.
type WebSocketServer struct {
	rooms   ports.RoomService
	tokens  ports.TokenService
	hub     *Hub
	cfg     ServerConfig
	metrics Metrics
	logger  *zap.SugaredLogger
}

// NewWebSocketServer wires the server. tokens may be nil to disable resume.
func NewWebSocketServer(
	rooms ports.RoomService,
	tokens ports.TokenService,
	hub *Hub,
	cfg ServerConfig,
	metrics Metrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &WebSocketServer{
		rooms:   rooms,
		tokens:  tokens,
		hub:     hub,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	ctx := context.Background()
	p, resumed, rejected, err := s.attach(ctx, r)
	if err != nil {
		s.logger.Errorw("failed to register participant", "error", err)
		ws.Close()
		return
	}

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}
	c := newConnection(p.ID, ws, s.cfg.SendBuffer, limiter)

	if previous := s.hub.register(ctx, c); previous != nil {
		s.logger.Infow("closing superseded socket", "participant_id", p.ID)
		previous.close()
	}
	go c.writePump(s.cfg.WriteTimeout)

	s.metrics.ConnectionOpened(resumed)
	s.logger.Infow("participant connected",
		"participant_id", p.ID,
		"resumed", resumed,
		"remote_addr", r.RemoteAddr,
	)

	if rejected != nil {
		s.sendError(c, rejected)
	}
	s.greet(ctx, c, p, resumed)

	s.readLoop(ctx, c)

	c.close()
	s.metrics.ConnectionClosed()
	if !s.hub.unregister(ctx, c) {
		// a newer socket took over this participant
		return
	}
	if _, ok := s.hub.lookup(p.ID); ok {
		return
	}
	s.release(ctx, p.ID)
}

// attach resumes the participant named in the query when its token checks
// out and registers a fresh one otherwise. A failed resume is reported back
// alongside the fresh participant so the client can be told.
func (s *WebSocketServer) attach(ctx context.Context, r *http.Request) (*domain.Participant, bool, *apperrors.AppError, error) {
	var rejected *apperrors.AppError
	if id := r.URL.Query().Get("resume"); id != "" && s.tokens != nil {
		p, err := s.resume(ctx, domain.ParticipantID(id), r.URL.Query().Get("token"))
		if err == nil {
			return p, true, nil, nil
		}
		s.logger.Infow("resume rejected",
			"participant_id", id,
			"error", err,
		)
		rejected = apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "resume rejected")
	}

	p, err := s.rooms.Connect(ctx, domain.ParticipantID(uuid.NewString()))
	if err != nil {
		return nil, false, nil, err
	}
	return p, false, rejected, nil
}

func (s *WebSocketServer) resume(ctx context.Context, id domain.ParticipantID, token string) (*domain.Participant, error) {
	subject, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	if subject != id {
		return nil, errors.New("token does not match participant")
	}
	return s.rooms.Resume(ctx, id)
}

// greet sends set-id, the room list and, after a resume, the current
// member list of the participant's room.
func (s *WebSocketServer) greet(ctx context.Context, c *connection, p *domain.Participant, resumed bool) {
	setID := protocol.SetID{ID: string(p.ID), Resumed: resumed}
	if s.tokens != nil {
		token, err := s.tokens.Issue(p.ID)
		if err != nil {
			s.logger.Warnw("failed to issue resume token",
				"participant_id", p.ID,
				"error", err,
			)
		}
		setID.Token = token
	}
	s.send(c, setID)

	if rooms, err := s.rooms.Rooms(ctx); err == nil {
		s.send(c, roomsMessage(rooms))
	}

	if resumed && p.InRoom() {
		if users, err := s.rooms.RoomUsers(ctx, p.RoomID); err == nil {
			s.send(c, roomUsersMessage(p.RoomID, users))
		}
	}
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *connection) {
	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closed() {
				s.logger.Infow("error reading message from participant",
					"participant_id", c.id,
					"error", err,
				)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))

		if !s.handleMessage(ctx, c, data) {
			return
		}
	}
}

// release detaches the participant so it can resume, or removes it when
// resume is disabled.
func (s *WebSocketServer) release(ctx context.Context, id domain.ParticipantID) {
	var err error
	if s.tokens != nil && s.cfg.ResumeGrace > 0 {
		err = s.rooms.Detach(ctx, id)
	} else {
		err = s.rooms.Disconnect(ctx, id)
	}

	switch {
	case errors.Is(err, domain.ErrParticipantNotFound):
		// already swept
	case err != nil:
		s.logger.Warnw("failed to release participant",
			"participant_id", id,
			"error", err,
		)
	default:
		s.logger.Infow("participant disconnected", "participant_id", id)
	}
}

// handleMessage processes one inbound frame. It returns false when the
// connection should be closed.
func (s *WebSocketServer) handleMessage(ctx context.Context, c *connection, data []byte) bool {
	if !c.allow() {
		s.metrics.MessageDropped(dropRateLimited)
		s.sendError(c, apperrors.NewRateLimitError())
		return true
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.MessageDropped(dropMalformed)
		s.logger.Infow("dropping malformed message",
			"participant_id", c.id,
			"error", err,
		)
		s.sendError(c, apperrors.NewMalformedMessageError(err))
		return true
	}
	s.metrics.MessageReceived(msg.MessageType(), len(data))

	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.MessageType()), string(c.id))
	defer span.End()

	if err := s.rooms.Touch(ctx, c.id); errors.Is(err, domain.ErrParticipantNotFound) {
		s.logger.Infow("closing socket of removed participant", "participant_id", c.id)
		return false
	}

	if err := s.dispatch(ctx, c, msg, data); err != nil {
		tracing.RecordError(ctx, err)
		s.reject(c, msg.MessageType(), err)
	}
	return true
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *connection, msg protocol.Message, data []byte) error {
	switch m := msg.(type) {
	case *protocol.JoinRoom:
		return s.rooms.Join(ctx, c.id, domain.RoomID(m.RoomID))

	case *protocol.LeaveRoom:
		return s.rooms.Leave(ctx, c.id)

	case *protocol.GetRoomUsers:
		users, err := s.rooms.RoomUsers(ctx, domain.RoomID(m.RoomID))
		if err != nil {
			return err
		}
		s.send(c, roomUsersMessage(domain.RoomID(m.RoomID), users))
		return nil

	case *protocol.UpdateUsername:
		return s.rooms.UpdateUsername(ctx, c.id, m.Username)

	case *protocol.Pong:
		return nil

	case protocol.Routed:
		return s.rooms.Relay(ctx, c.id, m, data)

	default:
		s.metrics.MessageDropped(dropUnexpected)
		s.logger.Debugw("ignoring message not meant for the relay",
			"participant_id", c.id,
			"type", msg.MessageType(),
		)
		return nil
	}
}

// reject reports a failed request. Unroutable peer messages are only logged
// since the recipient may have just left.
func (s *WebSocketServer) reject(c *connection, t protocol.Type, err error) {
	if errors.Is(err, domain.ErrUnroutable) || (errors.Is(err, domain.ErrNotInRoom) && t != protocol.TypeLeaveRoom) {
		s.metrics.MessageDropped(dropUnroutable)
		s.logger.Debugw("dropping unroutable message",
			"participant_id", c.id,
			"type", t,
			"error", err,
		)
		return
	}

	s.metrics.MessageDropped(dropRejected)
	s.logger.Infow("rejected message",
		"participant_id", c.id,
		"type", t,
		"error", err,
	)
	s.sendError(c, toAppError(err))
}

func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrInvalidRoom), errors.Is(err, domain.ErrInvalidUsername):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, domain.ErrNotInRoom):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error())
	case errors.Is(err, domain.ErrParticipantNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error())
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "request failed")
	}
}

func (s *WebSocketServer) send(c *connection, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msg.MessageType(), "error", err)
		return
	}
	if err := c.enqueue(data); err != nil {
		s.logger.Debugw("failed to queue message",
			"participant_id", c.id,
			"type", msg.MessageType(),
			"error", err,
		)
	}
}

func (s *WebSocketServer) sendError(c *connection, appErr *apperrors.AppError) {
	s.send(c, protocol.Error{Code: string(appErr.Code), Message: appErr.Message})
}

// Run drives the heartbeat and cross-instance delivery until ctx ends.
// Each tick sweeps silent participants, then pings every local socket.
func (s *WebSocketServer) Run(ctx context.Context) {
	go func() {
		if err := s.hub.runRemote(ctx); err != nil {
			s.logger.Errorw("cross-instance delivery stopped", "error", err)
		}
	}()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *WebSocketServer) heartbeat(ctx context.Context) {
	start := time.Now()
	swept, err := s.rooms.Sweep(ctx)
	if err != nil {
		s.logger.Warnw("heartbeat sweep failed", "error", err)
	}
	for _, id := range swept {
		if c, ok := s.hub.lookup(id); ok {
			c.close()
		}
	}
	s.metrics.SweepCompleted(len(swept), time.Since(start))
	if len(swept) > 0 {
		s.logger.Infow("swept silent participants", "count", len(swept))
	}

	s.hub.Broadcast(ctx, protocol.MustEncode(protocol.Ping{TS: time.Now().UnixMilli()}))
	s.hub.refresh(ctx)

	if rooms, err := s.rooms.Rooms(ctx); err == nil {
		members := 0
		for _, r := range rooms {
			members += len(r.Participants)
		}
		s.metrics.Occupancy(members, len(rooms))
	}
}

// Shutdown closes every socket held by this instance.
func (s *WebSocketServer) Shutdown(ctx context.Context) {
	s.hub.closeAll(ctx)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.hub.Count(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func roomsMessage(rooms []domain.RoomOccupancy) protocol.Rooms {
	msg := protocol.Rooms{Rooms: make([]protocol.RoomSummary, 0, len(rooms))}
	for _, r := range rooms {
		msg.Rooms = append(msg.Rooms, protocol.RoomSummary{
			RoomID: string(r.RoomID),
			Users:  len(r.Participants),
		})
	}
	return msg
}

func roomUsersMessage(roomID domain.RoomID, users []*domain.Participant) protocol.RoomUsers {
	msg := protocol.RoomUsers{RoomID: string(roomID), Users: make([]protocol.UserInfo, 0, len(users))}
	for _, u := range users {
		msg.Users = append(msg.Users, protocol.UserInfo{ID: string(u.ID), Username: u.DisplayName})
	}
	return msg
}
