package signal

import (
	"context"
	"errors"
	"testing"

	"huddle/internal/core/domain"
	"huddle/internal/infrastructure/distributed"
	"huddle/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) Register(ctx context.Context, id domain.ParticipantID) error {
	return m.Called(id).Error(0)
}

func (m *MockRemote) Unregister(ctx context.Context, id domain.ParticipantID) error {
	return m.Called(id).Error(0)
}

func (m *MockRemote) Refresh(ctx context.Context, ids []domain.ParticipantID) error {
	return m.Called(ids).Error(0)
}

func (m *MockRemote) Forward(ctx context.Context, to domain.ParticipantID, data []byte) error {
	return m.Called(to, data).Error(0)
}

func (m *MockRemote) Run(ctx context.Context, deliver func(ctx context.Context, to domain.ParticipantID, data []byte) error) error {
	return m.Called().Error(0)
}

func (m *MockRemote) Close(ctx context.Context) error {
	return m.Called().Error(0)
}

func localConnection(id domain.ParticipantID, buffer int) *connection {
	return newConnection(id, nil, buffer, nil)
}

func TestHub_DeliversLocally(t *testing.T) {
	remote := new(MockRemote)
	remote.On("Register", domain.ParticipantID("p1")).Return(nil)
	hub := NewHub(remote, nil, zaptest.NewLogger(t).Sugar())

	c := localConnection("p1", 4)
	assert.Nil(t, hub.register(context.Background(), c))

	require.NoError(t, hub.Deliver(context.Background(), "p1", []byte(`{"type":"ping","ts":1}`)))
	assert.Equal(t, []byte(`{"type":"ping","ts":1}`), <-c.send)
	remote.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
}

func TestHub_ForwardsToRemote(t *testing.T) {
	remote := new(MockRemote)
	remote.On("Forward", domain.ParticipantID("p2"), []byte("x")).Return(nil)
	hub := NewHub(remote, nil, zaptest.NewLogger(t).Sugar())

	require.NoError(t, hub.Deliver(context.Background(), "p2", []byte("x")))
	remote.AssertExpectations(t)
}

func TestHub_WithoutRemoteReportsNotConnected(t *testing.T) {
	hub := NewHub(nil, nil, zaptest.NewLogger(t).Sugar())
	err := hub.Deliver(context.Background(), "p2", []byte("x"))
	assert.ErrorIs(t, err, distributed.ErrNotConnected)
}

func TestHub_MissingParticipantDoesNotTripBreaker(t *testing.T) {
	remote := new(MockRemote)
	remote.On("Forward", mock.Anything, mock.Anything).Return(distributed.ErrNotConnected)
	hub := NewHub(remote, nil, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 10; i++ {
		err := hub.Deliver(context.Background(), "gone", []byte("x"))
		assert.ErrorIs(t, err, distributed.ErrNotConnected)
	}
	assert.Equal(t, circuitbreaker.StateClosed, hub.breaker.State())
}

func TestHub_BrokenRemoteOpensBreaker(t *testing.T) {
	remote := new(MockRemote)
	remote.On("Forward", mock.Anything, mock.Anything).Return(errors.New("redis: connection refused"))
	hub := NewHub(remote, nil, zaptest.NewLogger(t).Sugar())

	threshold := circuitbreaker.DefaultConfig().FailureThreshold
	for i := 0; i < threshold; i++ {
		_ = hub.Deliver(context.Background(), "p2", []byte("x"))
	}
	err := hub.Deliver(context.Background(), "p2", []byte("x"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	remote.AssertNumberOfCalls(t, "Forward", threshold)
}

func TestHub_SlowConsumerIsClosed(t *testing.T) {
	hub := NewHub(nil, nil, zaptest.NewLogger(t).Sugar())
	c := localConnection("p1", 1)
	hub.register(context.Background(), c)

	require.NoError(t, hub.Deliver(context.Background(), "p1", []byte("a")))
	err := hub.Deliver(context.Background(), "p1", []byte("b"))
	assert.ErrorIs(t, err, ErrSlowConsumer)
	assert.True(t, c.closed())
}

func TestHub_UnregisterIgnoresSupersededConnection(t *testing.T) {
	hub := NewHub(nil, nil, zaptest.NewLogger(t).Sugar())
	old := localConnection("p1", 1)
	fresh := localConnection("p1", 1)

	hub.register(context.Background(), old)
	assert.Same(t, old, hub.register(context.Background(), fresh))

	assert.False(t, hub.unregister(context.Background(), old))
	assert.Equal(t, []domain.ParticipantID{"p1"}, hub.IDs())
	assert.True(t, hub.unregister(context.Background(), fresh))
	assert.Zero(t, hub.Count())
}
