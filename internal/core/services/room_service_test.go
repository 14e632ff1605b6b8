package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	"huddle/pkg/protocol"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	alice domain.ParticipantID = "0a6f2c1e-3b4d-4e5f-8a9b-0c1d2e3f4a5b"
	bob   domain.ParticipantID = "5b4a3f2e-1d0c-4b9a-8f7e-6d5c4b3a2f1e"
	carol domain.ParticipantID = "c0ffee00-1111-4222-8333-444455556666"
)

type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, to domain.ParticipantID, data []byte) error {
	args := m.Called(ctx, to, data)
	return args.Error(0)
}

// received decodes everything delivered to id, in order.
func (m *MockDeliverer) received(t *testing.T, id domain.ParticipantID) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, c := range m.Calls {
		if c.Arguments.Get(1).(domain.ParticipantID) != id {
			continue
		}
		msg, err := protocol.Decode(c.Arguments.Get(2).([]byte))
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (m *MockDeliverer) receivedOfType(t *testing.T, id domain.ParticipantID, typ protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, msg := range m.received(t, id) {
		if msg.MessageType() == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockDeliverer) reset() {
	m.Calls = nil
}

type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) RunExclusive(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	args := m.Called(name, ttl)
	if !args.Bool(0) {
		return false, args.Error(1)
	}
	return true, fn(ctx)
}

type roomFixture struct {
	svc       *roomService
	deliverer *MockDeliverer
	now       time.Time
}

func newRoomFixture(t *testing.T) *roomFixture {
	f := &roomFixture{
		deliverer: &MockDeliverer{},
		now:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.deliverer.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	cfg := DefaultRoomConfig()
	cfg.Clock = func() time.Time { return f.now }
	f.svc = NewRoomService(
		memory.NewMemoryParticipantRepository(),
		f.deliverer,
		nil,
		cfg,
		zaptest.NewLogger(t).Sugar(),
	).(*roomService)
	return f
}

func (f *roomFixture) connect(t *testing.T, ids ...domain.ParticipantID) {
	for _, id := range ids {
		_, err := f.svc.Connect(context.Background(), id)
		require.NoError(t, err)
	}
}

func (f *roomFixture) join(t *testing.T, room domain.RoomID, ids ...domain.ParticipantID) {
	for _, id := range ids {
		require.NoError(t, f.svc.Join(context.Background(), id, room))
	}
}

func TestRoomService_ConnectAssignsDefaultUsername(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()

	p, err := f.svc.Connect(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", p.DisplayName)
	assert.False(t, p.InRoom())
	assert.Equal(t, f.now, p.LastActivity)

	_, err = f.svc.Connect(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrParticipantExists)
}

func TestRoomService_JoinAnnouncesMembership(t *testing.T) {
	f := newRoomFixture(t)
	f.connect(t, alice, bob, carol)

	f.join(t, "standup", alice)
	existing := f.deliverer.receivedOfType(t, alice, protocol.TypeExistingParticipants)
	require.Len(t, existing, 1)
	assert.Empty(t, existing[0].(*protocol.ExistingParticipants).Participants)

	f.deliverer.reset()
	f.join(t, "standup", bob)

	existing = f.deliverer.receivedOfType(t, bob, protocol.TypeExistingParticipants)
	require.Len(t, existing, 1)
	assert.Equal(t, []protocol.UserInfo{{ID: string(alice), Username: "Anonymous"}},
		existing[0].(*protocol.ExistingParticipants).Participants)

	announced := f.deliverer.receivedOfType(t, alice, protocol.TypeNewParticipant)
	require.Len(t, announced, 1)
	assert.Equal(t, string(bob), announced[0].(*protocol.NewParticipant).ID)
	assert.Empty(t, f.deliverer.receivedOfType(t, bob, protocol.TypeNewParticipant))

	// carol is not in the room but still sees the snapshot
	for _, id := range []domain.ParticipantID{alice, bob, carol} {
		snaps := f.deliverer.receivedOfType(t, id, protocol.TypeRoomUsers)
		require.Len(t, snaps, 1, "snapshot for %s", id)
		users := snaps[0].(*protocol.RoomUsers)
		assert.Equal(t, "standup", users.RoomID)
		assert.Len(t, users.Users, 2)
	}
}

func TestRoomService_RejoinSameRoomRepliesWithoutAnnouncing(t *testing.T) {
	f := newRoomFixture(t)
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.deliverer.reset()

	f.join(t, "standup", bob)

	assert.Len(t, f.deliverer.receivedOfType(t, bob, protocol.TypeExistingParticipants), 1)
	assert.Empty(t, f.deliverer.receivedOfType(t, alice, protocol.TypeNewParticipant))
	assert.Empty(t, f.deliverer.receivedOfType(t, alice, protocol.TypeParticipantLeft))
}

func TestRoomService_SwitchRoomLeavesPrevious(t *testing.T) {
	f := newRoomFixture(t)
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.deliverer.reset()

	f.join(t, "retro", alice)

	left := f.deliverer.receivedOfType(t, bob, protocol.TypeParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, string(alice), left[0].(*protocol.ParticipantLeft).ID)
	assert.Empty(t, f.deliverer.receivedOfType(t, alice, protocol.TypeParticipantLeft))

	members, err := f.svc.RoomUsers(context.Background(), "standup")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, bob, members[0].ID)
}

func TestRoomService_JoinRejectsInvalidRoom(t *testing.T) {
	f := newRoomFixture(t)
	f.connect(t, alice)

	err := f.svc.Join(context.Background(), alice, "no spaces allowed")
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
	f.deliverer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestRoomService_Leave(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.deliverer.reset()

	require.NoError(t, f.svc.Leave(ctx, alice))

	left := f.deliverer.receivedOfType(t, bob, protocol.TypeParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, string(alice), left[0].(*protocol.ParticipantLeft).ID)

	snaps := f.deliverer.receivedOfType(t, alice, protocol.TypeRoomUsers)
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].(*protocol.RoomUsers).Users, 1)

	assert.ErrorIs(t, f.svc.Leave(ctx, alice), domain.ErrNotInRoom)
}

func TestRoomService_RelayToTargetStampsSender(t *testing.T) {
	f := newRoomFixture(t)
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.deliverer.reset()

	raw := []byte(`{"type":"offer","to":"` + string(bob) + `","from":"someone-else","session":"s-1",` +
		`"payload":{"type":"offer","sdp":"v=0\r\n"},"tracks":{"t1":"screen"}}`)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)

	require.NoError(t, f.svc.Relay(context.Background(), alice, msg.(protocol.Routed), raw))

	require.Len(t, f.deliverer.Calls, 1)
	assert.Equal(t, bob, f.deliverer.Calls[0].Arguments.Get(1))

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(f.deliverer.Calls[0].Arguments.Get(2).([]byte), &fields))
	assert.JSONEq(t, `"`+string(alice)+`"`, string(fields["from"]))
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\n"}`, string(fields["payload"]))
	assert.JSONEq(t, `{"t1":"screen"}`, string(fields["tracks"]))
	assert.JSONEq(t, `"s-1"`, string(fields["session"]))
}

func TestRoomService_RelayDropsUnroutable(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.deliverer.reset()

	offer := protocol.Offer{Payload: sdpOffer()}
	err := f.svc.Relay(ctx, alice, offer, protocol.MustEncode(offer))
	assert.ErrorIs(t, err, domain.ErrUnroutable)

	offer.To = string(carol)
	err = f.svc.Relay(ctx, alice, offer, protocol.MustEncode(offer))
	assert.ErrorIs(t, err, domain.ErrUnroutable)

	f.deliverer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestRoomService_RelayBroadcastsToRoomOnly(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob, carol)
	f.join(t, "standup", alice, bob)
	f.join(t, "retro", carol)
	f.deliverer.reset()

	msg := protocol.VideoDisabled{}
	require.NoError(t, f.svc.Relay(ctx, alice, msg, protocol.MustEncode(msg)))

	got := f.deliverer.received(t, bob)
	require.Len(t, got, 1)
	assert.Equal(t, string(alice), got[0].(*protocol.VideoDisabled).From)
	assert.Empty(t, f.deliverer.received(t, alice))
	assert.Empty(t, f.deliverer.received(t, carol))

	// outside any room there is nobody to broadcast to
	require.NoError(t, f.svc.Leave(ctx, carol))
	f.deliverer.reset()
	err := f.svc.Relay(ctx, carol, msg, protocol.MustEncode(msg))
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	f.deliverer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestRoomService_UpdateUsername(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.deliverer.reset()

	assert.ErrorIs(t, f.svc.UpdateUsername(ctx, alice, "a name far too long"), domain.ErrInvalidUsername)
	assert.ErrorIs(t, f.svc.UpdateUsername(ctx, alice, "   "), domain.ErrInvalidUsername)
	f.deliverer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, f.svc.UpdateUsername(ctx, alice, "  Alice "))

	updates := f.deliverer.receivedOfType(t, bob, protocol.TypeUpdateUsername)
	require.Len(t, updates, 1)
	u := updates[0].(*protocol.UpdateUsername)
	assert.Equal(t, "Alice", u.Username)
	assert.Equal(t, string(alice), u.From)
	assert.Empty(t, f.deliverer.receivedOfType(t, alice, protocol.TypeUpdateUsername))

	members, err := f.svc.RoomUsers(ctx, "standup")
	require.NoError(t, err)
	names := map[domain.ParticipantID]string{}
	for _, m := range members {
		names[m.ID] = m.DisplayName
	}
	assert.Equal(t, "Alice", names[alice])
}

func TestRoomService_Rooms(t *testing.T) {
	f := newRoomFixture(t)
	f.connect(t, alice, bob, carol)
	f.join(t, "standup", alice, bob)
	f.join(t, "design", carol)

	rooms, err := f.svc.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("design"), rooms[0].RoomID)
	assert.Len(t, rooms[0].Participants, 1)
	assert.Equal(t, domain.RoomID("standup"), rooms[1].RoomID)
	assert.Len(t, rooms[1].Participants, 2)
}

func TestRoomService_DisconnectNotifiesRoom(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.deliverer.reset()

	require.NoError(t, f.svc.Disconnect(ctx, bob))

	left := f.deliverer.receivedOfType(t, alice, protocol.TypeParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, string(bob), left[0].(*protocol.ParticipantLeft).ID)
	assert.Empty(t, f.deliverer.received(t, bob))

	assert.ErrorIs(t, f.svc.Disconnect(ctx, bob), domain.ErrParticipantNotFound)
}

func TestRoomService_SweepRemovesSilentParticipants(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)

	f.now = f.now.Add(60 * time.Second)
	require.NoError(t, f.svc.Touch(ctx, alice))
	f.now = f.now.Add(45 * time.Second)
	f.deliverer.reset()

	removed, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{bob}, removed)

	left := f.deliverer.receivedOfType(t, alice, protocol.TypeParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, string(bob), left[0].(*protocol.ParticipantLeft).ID)
}

func TestRoomService_DetachedParticipantKeepsPlaceWithinGrace(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)

	require.NoError(t, f.svc.Detach(ctx, bob))
	f.deliverer.reset()

	// detached participants do not get snapshots
	require.NoError(t, f.svc.UpdateUsername(ctx, alice, "Alice"))
	assert.Empty(t, f.deliverer.received(t, bob))

	f.now = f.now.Add(30 * time.Second)
	removed, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	p, err := f.svc.Resume(ctx, bob)
	require.NoError(t, err)
	assert.False(t, p.Detached)
	assert.Equal(t, domain.RoomID("standup"), p.RoomID)
	assert.Empty(t, f.deliverer.receivedOfType(t, alice, protocol.TypeParticipantLeft))
}

func TestRoomService_ResumeAfterGraceFails(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)

	require.NoError(t, f.svc.Detach(ctx, bob))
	f.now = f.now.Add(61 * time.Second)

	_, err := f.svc.Resume(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrResumeExpired)
	assert.Len(t, f.deliverer.receivedOfType(t, alice, protocol.TypeParticipantLeft), 1)

	_, err = f.svc.Resume(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

// listHookRepository runs afterList once the listing has been taken, so a
// test can change a participant between the list and its use.
type listHookRepository struct {
	ports.ParticipantRepository
	afterList func()
}

func (r *listHookRepository) ListAll(ctx context.Context) ([]*domain.Participant, error) {
	all, err := r.ParticipantRepository.ListAll(ctx)
	if r.afterList != nil {
		r.afterList()
		r.afterList = nil
	}
	return all, err
}

func TestRoomService_SweepRechecksListedParticipants(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	repo := &listHookRepository{ParticipantRepository: f.svc.repo}
	f.svc.repo = repo

	f.connect(t, alice, bob)
	f.join(t, "standup", alice, bob)
	f.now = f.now.Add(40 * time.Second)
	require.NoError(t, f.svc.Detach(ctx, bob))

	// both look expired in the listing by the time the sweep judges them
	f.now = f.now.Add(55 * time.Second)
	repo.afterList = func() {
		require.NoError(t, f.svc.Touch(ctx, alice))
		_, err := f.svc.Resume(ctx, bob)
		require.NoError(t, err)
		f.now = f.now.Add(6 * time.Second)
	}
	f.deliverer.reset()

	removed, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Empty(t, f.deliverer.receivedOfType(t, alice, protocol.TypeParticipantLeft))

	_, err = f.svc.repo.Get(ctx, alice)
	assert.NoError(t, err)
	p, err := f.svc.repo.Get(ctx, bob)
	require.NoError(t, err)
	assert.False(t, p.Detached)
}

func TestRoomService_SweepSkippedWhenAnotherInstanceHoldsLock(t *testing.T) {
	f := newRoomFixture(t)
	coordinator := &MockCoordinator{}
	coordinator.On("RunExclusive", sweepJob, 45*time.Second).Return(false, nil).Once()
	coordinator.On("RunExclusive", sweepJob, 45*time.Second).Return(true, nil).Once()
	f.svc.coordinator = coordinator

	f.connect(t, alice)
	f.now = f.now.Add(2 * time.Minute)

	removed, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{alice}, removed)
	coordinator.AssertExpectations(t)
}

func sdpOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}
