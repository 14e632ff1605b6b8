package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/recovery"
	"huddle/pkg/protocol"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	lowID  domain.ParticipantID = "11111111-1111-4111-8111-111111111111"
	highID domain.ParticipantID = "99999999-9999-4999-8999-999999999999"
)

type recordingSignaler struct {
	mu   sync.Mutex
	from domain.ParticipantID
	sent []protocol.Message
	out  func(from domain.ParticipantID, msg protocol.Message)
}

func (s *recordingSignaler) Send(msg protocol.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	out := s.out
	s.mu.Unlock()
	if out != nil {
		out(s.from, msg)
	}
	return nil
}

func (s *recordingSignaler) ofType(t protocol.Type) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.sent {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSignaler) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

type recordingRenderer struct {
	mu       sync.Mutex
	media    map[domain.ParticipantID]domain.RemoteMedia
	removed  []domain.ParticipantID
	failures map[domain.TrackRole]error
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{
		media:    make(map[domain.ParticipantID]domain.RemoteMedia),
		failures: make(map[domain.TrackRole]error),
	}
}

func (r *recordingRenderer) RemoteMediaUpdated(peer domain.ParticipantID, media domain.RemoteMedia) {
	r.mu.Lock()
	r.media[peer] = media
	r.mu.Unlock()
}

func (r *recordingRenderer) PeerRemoved(peer domain.ParticipantID) {
	r.mu.Lock()
	delete(r.media, peer)
	r.removed = append(r.removed, peer)
	r.mu.Unlock()
}

func (r *recordingRenderer) CaptureFailed(role domain.TrackRole, err error) {
	r.mu.Lock()
	r.failures[role] = err
	r.mu.Unlock()
}

func (r *recordingRenderer) mediaOf(peer domain.ParticipantID) domain.RemoteMedia {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.media[peer]
}

func (r *recordingRenderer) failure(role domain.TrackRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[role]
}

type stubCapturer struct {
	tracks map[domain.TrackRole]ports.CapturedTrack
	err    error
}

func (c *stubCapturer) Open(_ context.Context, role domain.TrackRole) (ports.CapturedTrack, error) {
	if c.err != nil {
		return ports.CapturedTrack{}, c.err
	}
	t, ok := c.tracks[role]
	if !ok {
		return ports.CapturedTrack{}, errors.New("no such device")
	}
	return t, nil
}

type node struct {
	id       domain.ParticipantID
	orch     *Orchestrator
	factory  *fakeFactory
	signaler *recordingSignaler
	renderer *recordingRenderer
	capturer *stubCapturer
}

func (n *node) transportTo(peer domain.ParticipantID) *fakeTransport {
	return n.factory.latest(peer)
}

func (n *node) session(peer domain.ParticipantID) *PeerSession {
	return n.orch.sessions[peer]
}

type envelope struct {
	from domain.ParticipantID
	msg  protocol.Message
}

// harness connects orchestrators through an in-memory relay that routes
// messages the way the signaling server does: addressed messages go to
// their target, unaddressed peer messages to everyone else.
type harness struct {
	t     *testing.T
	clock *recovery.ManualClock
	nodes map[domain.ParticipantID]*node
	order []domain.ParticipantID

	mu    sync.Mutex
	queue []envelope
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		clock: recovery.NewManualClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		nodes: make(map[domain.ParticipantID]*node),
	}
}

func (h *harness) add(id domain.ParticipantID) *node {
	factory := newFakeFactory()
	n := h.addWith(id, factory)
	n.factory = factory
	return n
}

// addWith joins a node whose sessions use transports. Only nodes made by add
// have a fake factory to inspect.
func (h *harness) addWith(id domain.ParticipantID, transports ports.TransportFactory) *node {
	n := &node{
		id:       id,
		signaler: &recordingSignaler{from: id},
		renderer: newRecordingRenderer(),
		capturer: &stubCapturer{tracks: make(map[domain.TrackRole]ports.CapturedTrack)},
	}
	n.signaler.out = h.enqueue

	cfg := DefaultConfig()
	cfg.NegotiationDelay = 0
	n.orch = New(cfg, Deps{
		Signaler:   n.signaler,
		Transports: transports,
		Capturer:   n.capturer,
		Renderer:   n.renderer,
		Clock:      h.clock,
		Logger:     zaptest.NewLogger(h.t).Sugar(),
	})
	n.orch.HandleMessage(&protocol.SetID{ID: string(id)})
	n.orch.JoinRoom("standup")
	n.orch.drain()

	h.nodes[id] = n
	h.order = append(h.order, id)
	return n
}

func (h *harness) enqueue(from domain.ParticipantID, msg protocol.Message) {
	h.mu.Lock()
	h.queue = append(h.queue, envelope{from: from, msg: msg})
	h.mu.Unlock()
}

func (h *harness) takeQueue() []envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queue
	h.queue = nil
	return q
}

// introduce tells newcomer about everyone already present and everyone else
// about newcomer, as the relay does on join.
func (h *harness) introduce(newcomer domain.ParticipantID) {
	var existing []protocol.UserInfo
	for _, id := range h.order {
		if id == newcomer {
			continue
		}
		existing = append(existing, protocol.UserInfo{ID: string(id), Username: "user-" + string(id)[:4]})
		h.nodes[id].orch.HandleMessage(&protocol.NewParticipant{ID: string(newcomer), Username: "user-" + string(newcomer)[:4]})
	}
	h.nodes[newcomer].orch.HandleMessage(&protocol.ExistingParticipants{Participants: existing})
}

// deliver routes one message through the codec, as it would travel over
// the wire.
func (h *harness) deliver(env envelope) {
	routed, ok := env.msg.(protocol.Routed)
	if !ok {
		return
	}
	data, err := protocol.Encode(env.msg)
	require.NoError(h.t, err)
	data, err = protocol.Stamp(data, string(env.from))
	require.NoError(h.t, err)
	msg, err := protocol.Decode(data)
	require.NoError(h.t, err)

	if to := domain.ParticipantID(routed.Route().To); to != "" {
		if n, ok := h.nodes[to]; ok {
			n.orch.HandleMessage(msg)
		}
		return
	}
	for _, id := range h.order {
		if id != env.from {
			h.nodes[id].orch.HandleMessage(msg)
		}
	}
}

func (h *harness) drainAll() int {
	n := 0
	for _, id := range h.order {
		n += h.nodes[id].orch.drain()
	}
	return n
}

// pump runs every loop and delivers queued messages until nothing moves.
func (h *harness) pump() {
	for i := 0; i < 200; i++ {
		ran := h.drainAll()
		q := h.takeQueue()
		if ran == 0 && len(q) == 0 {
			return
		}
		for _, env := range q {
			h.deliver(env)
		}
	}
	h.t.Fatal("negotiation did not settle")
}

// step drains every loop once and hands back what was sent, undelivered.
func (h *harness) step() []envelope {
	h.drainAll()
	return h.takeQueue()
}

func localTrack(id, stream string, kind webrtc.RTPCodecType) *fakeLocalTrack {
	return &fakeLocalTrack{id: id, stream: stream, kind: kind}
}

func captured(id string, kind webrtc.RTPCodecType, label string) ports.CapturedTrack {
	return ports.CapturedTrack{Track: localTrack(id, "capture", kind), Label: label}
}
