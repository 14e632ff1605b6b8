package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/infrastructure/distributed"
	"huddle/pkg/circuitbreaker"
	"huddle/pkg/protocol"

	"go.uber.org/zap"
)

// ErrSlowConsumer is returned when a connection's send buffer is full. The
// connection is closed; its participant can resume on a new socket.
var ErrSlowConsumer = errors.New("send buffer full")

// Metrics is the subset of the Prometheus collector used by the relay.
type Metrics interface {
	ConnectionOpened(resumed bool)
	ConnectionClosed()
	MessageReceived(t protocol.Type, size int)
	MessageDropped(reason string)
	MessageDelivered(remote bool)
	SweepCompleted(removed int, took time.Duration)
	Occupancy(participants, rooms int)
	BreakerStateChanged(state string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened(bool)              {}
func (nopMetrics) ConnectionClosed()                  {}
func (nopMetrics) MessageReceived(protocol.Type, int) {}
func (nopMetrics) MessageDropped(string)              {}
func (nopMetrics) MessageDelivered(bool)              {}
func (nopMetrics) SweepCompleted(int, time.Duration)  {}
func (nopMetrics) Occupancy(int, int)                 {}
func (nopMetrics) BreakerStateChanged(string)         {}

// Remote reaches participants whose socket is held by another relay
// instance. *distributed.Router implements it.
type Remote interface {
	Register(ctx context.Context, id domain.ParticipantID) error
	Unregister(ctx context.Context, id domain.ParticipantID) error
	Refresh(ctx context.Context, ids []domain.ParticipantID) error
	Forward(ctx context.Context, to domain.ParticipantID, data []byte) error
	Run(ctx context.Context, deliver func(ctx context.Context, to domain.ParticipantID, data []byte) error) error
	Close(ctx context.Context) error
}

// Hub tracks the sockets connected to this instance and delivers encoded
// messages to them. Messages for participants it does not hold go to the
// Remote, if any, behind a circuit breaker.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.ParticipantID]*connection

	remote  Remote
	breaker *circuitbreaker.CircuitBreaker
	metrics Metrics
	logger  *zap.SugaredLogger
}

// NewHub returns a hub. remote and metrics may be nil.
func NewHub(remote Remote, metrics Metrics, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	h := &Hub{
		conns:   make(map[domain.ParticipantID]*connection),
		remote:  remote,
		metrics: metrics,
		logger:  logger,
	}
	if remote != nil {
		h.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
		h.breaker.OnStateChange(func(from, to circuitbreaker.State) {
			logger.Warnw("cross-instance delivery breaker changed state",
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerStateChanged(to.String())
		})
	}
	return h
}

// Deliver implements ports.Deliverer.
func (h *Hub) Deliver(ctx context.Context, to domain.ParticipantID, data []byte) error {
	if err := h.deliverLocal(ctx, to, data); !errors.Is(err, distributed.ErrNotConnected) {
		return err
	}
	if h.remote == nil {
		return fmt.Errorf("%w: %s", distributed.ErrNotConnected, to)
	}

	// A participant that is simply gone must not trip the breaker.
	var missing error
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		err := h.remote.Forward(ctx, to, data)
		if errors.Is(err, distributed.ErrNotConnected) {
			missing = err
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to forward to %s: %w", to, err)
	}
	if missing != nil {
		return missing
	}
	h.metrics.MessageDelivered(true)
	return nil
}

func (h *Hub) deliverLocal(_ context.Context, to domain.ParticipantID, data []byte) error {
	h.mu.RLock()
	c, ok := h.conns[to]
	h.mu.RUnlock()
	if !ok {
		return distributed.ErrNotConnected
	}

	if err := c.enqueue(data); err != nil {
		h.logger.Warnw("dropping slow connection",
			"participant_id", to,
			"error", err,
		)
		c.close()
		return err
	}
	h.metrics.MessageDelivered(false)
	return nil
}

// register attaches c to its participant and returns the connection it
// replaced, if the participant resumed while its old socket was still open.
func (h *Hub) register(ctx context.Context, c *connection) *connection {
	h.mu.Lock()
	previous := h.conns[c.id]
	h.conns[c.id] = c
	h.mu.Unlock()

	if h.remote != nil {
		if err := h.remote.Register(ctx, c.id); err != nil {
			h.logger.Warnw("failed to register socket presence",
				"participant_id", c.id,
				"error", err,
			)
		}
	}
	return previous
}

// unregister detaches c. It reports false when c was already replaced.
func (h *Hub) unregister(ctx context.Context, c *connection) bool {
	h.mu.Lock()
	current, ok := h.conns[c.id]
	if !ok || current != c {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, c.id)
	h.mu.Unlock()

	if h.remote != nil {
		if err := h.remote.Unregister(ctx, c.id); err != nil {
			h.logger.Warnw("failed to unregister socket presence",
				"participant_id", c.id,
				"error", err,
			)
		}
	}
	return true
}

func (h *Hub) lookup(id domain.ParticipantID) (*connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// IDs returns the participants connected to this instance, sorted.
func (h *Hub) IDs() []domain.ParticipantID {
	h.mu.RLock()
	ids := make([]domain.ParticipantID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues data on every local connection.
func (h *Hub) Broadcast(ctx context.Context, data []byte) {
	for _, id := range h.IDs() {
		_ = h.deliverLocal(ctx, id, data)
	}
}

func (h *Hub) refresh(ctx context.Context) {
	if h.remote == nil {
		return
	}
	if err := h.remote.Refresh(ctx, h.IDs()); err != nil {
		h.logger.Warnw("failed to refresh socket presence", "error", err)
	}
}

// runRemote delivers messages forwarded by other instances until ctx ends.
func (h *Hub) runRemote(ctx context.Context) error {
	if h.remote == nil {
		<-ctx.Done()
		return nil
	}
	return h.remote.Run(ctx, h.deliverLocal)
}

// closeAll closes every local connection and releases remote presence.
func (h *Hub) closeAll(ctx context.Context) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
	if h.remote != nil {
		if err := h.remote.Close(ctx); err != nil {
			h.logger.Warnw("failed to release socket presence", "error", err)
		}
	}
}
