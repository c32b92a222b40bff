package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	pkgkafka "github.com/sharp-crm/Sharp-crm2-sub002/pkg/kafka"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, evt *pkgkafka.Event) error {
	args := m.Called(ctx, topic, evt)
	return args.Error(0)
}

func TestProducer_LoginSucceeded(t *testing.T) {
	pub := &mockPublisher{}
	p := NewProducer(pub, "crm.auth.events", logger.Discard())

	var captured *pkgkafka.Event
	pub.On("Publish", mock.Anything, "crm.auth.events", mock.AnythingOfType("*kafka.Event")).
		Run(func(args mock.Arguments) { captured = args.Get(2).(*pkgkafka.Event) }).
		Return(nil)

	ctx := logger.WithCorrelationID(context.Background(), "corr-1")
	user := &domain.User{Identifier: "rep@acme.test", TenantID: "acme"}
	err := p.LoginSucceeded(ctx, user, "jti-1", domain.SessionMeta{IP: "10.0.0.1", UserAgent: "ua"})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, TypeLoginSucceeded, captured.EventType)
	assert.Equal(t, "rep@acme.test", captured.AggregateID)
	assert.Equal(t, "acme", captured.TenantID)
	assert.Equal(t, "corr-1", captured.CorrelationID)

	var data LoginData
	require.NoError(t, captured.UnmarshalData(&data))
	assert.Equal(t, "jti-1", data.SessionID)
	assert.Equal(t, "10.0.0.1", data.IP)
	pub.AssertExpectations(t)
}

func TestProducer_LoginFailed_CarriesReasonOnly(t *testing.T) {
	pub := &mockPublisher{}
	p := NewProducer(pub, "topic", logger.Discard())

	var captured *pkgkafka.Event
	pub.On("Publish", mock.Anything, "topic", mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).(*pkgkafka.Event) }).
		Return(nil)

	require.NoError(t, p.LoginFailed(context.Background(), "rep@acme.test", "INVALID_CREDENTIALS", domain.SessionMeta{}))

	assert.Equal(t, TypeLoginFailed, captured.EventType)
	assert.Contains(t, string(captured.Data), "INVALID_CREDENTIALS")
	assert.Empty(t, captured.CorrelationID)
}

func TestProducer_PublishError(t *testing.T) {
	pub := &mockPublisher{}
	p := NewProducer(pub, "topic", logger.Discard())

	pub.On("Publish", mock.Anything, "topic", mock.Anything).Return(errors.New("broker down"))

	err := p.SessionsRevoked(context.Background(), "rep@acme.test", "acme", 3, "logout_all")
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeSessionsRevoked)
}

func TestProducer_NilPublisherIsNoop(t *testing.T) {
	p := NewProducer(nil, "topic", logger.Discard())
	assert.NoError(t, p.SessionRevoked(context.Background(), "u", "t", "jti", "logout"))
	assert.NoError(t, p.PasswordChanged(context.Background(), "u", "t"))
}
