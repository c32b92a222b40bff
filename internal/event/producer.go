package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	pkgkafka "github.com/sharp-crm/Sharp-crm2-sub002/pkg/kafka"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
)

// Event types of the auth audit stream.
const (
	TypeLoginSucceeded  = "auth.login.succeeded"
	TypeLoginFailed     = "auth.login.failed"
	TypeSessionRotated  = "auth.session.rotated"
	TypeSessionRevoked  = "auth.session.revoked"
	TypeSessionsRevoked = "auth.sessions.revoked_all"
	TypePasswordChanged = "auth.password.changed"
)

// Aggregate type constant.
const AggregateTypeSession = "session"

// SourceAuthService identifies events originating from this service.
const SourceAuthService = "crm-auth"

// LoginData is the payload of login events.
type LoginData struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// RotationData is the payload of a session.rotated event.
type RotationData struct {
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"`
	PreviousJTI string `json:"previous_jti"`
	SessionID   string `json:"session_id"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// RevocationData is the payload of revocation events.
type RevocationData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Count     int64  `json:"count,omitempty"`
	Reason    string `json:"reason"`
}

// Producer publishes auth audit events. Publishing never fails the calling
// operation; errors are logged and returned for callers that care.
type Producer struct {
	publisher pkgkafka.Publisher
	topic     string
	logger    *slog.Logger
}

// NewProducer creates an auth event producer on topic.
func NewProducer(publisher pkgkafka.Publisher, topic string, logger *slog.Logger) *Producer {
	if publisher == nil {
		publisher = pkgkafka.Noop{}
	}
	return &Producer{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// LoginSucceeded records an issued session.
func (p *Producer) LoginSucceeded(ctx context.Context, user *domain.User, sessionID string, meta domain.SessionMeta) error {
	return p.publish(ctx, TypeLoginSucceeded, user.Identifier, user.TenantID, LoginData{
		UserID:    user.Identifier,
		TenantID:  user.TenantID,
		SessionID: sessionID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
}

// LoginFailed records a rejected login. reason is a taxonomy code, never
// the secret.
func (p *Producer) LoginFailed(ctx context.Context, identifier, reason string, meta domain.SessionMeta) error {
	return p.publish(ctx, TypeLoginFailed, identifier, "", LoginData{
		UserID:    identifier,
		Reason:    reason,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
}

// SessionRotated records a refresh token rotation.
func (p *Producer) SessionRotated(ctx context.Context, user *domain.User, previousJTI, sessionID string, meta domain.SessionMeta) error {
	return p.publish(ctx, TypeSessionRotated, user.Identifier, user.TenantID, RotationData{
		UserID:      user.Identifier,
		TenantID:    user.TenantID,
		PreviousJTI: previousJTI,
		SessionID:   sessionID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	})
}

// SessionRevoked records the invalidation of one session.
func (p *Producer) SessionRevoked(ctx context.Context, userID, tenantID, sessionID, reason string) error {
	return p.publish(ctx, TypeSessionRevoked, userID, tenantID, RevocationData{
		UserID:    userID,
		SessionID: sessionID,
		Reason:    reason,
	})
}

// SessionsRevoked records the invalidation of every session of a user.
func (p *Producer) SessionsRevoked(ctx context.Context, userID, tenantID string, count int64, reason string) error {
	return p.publish(ctx, TypeSessionsRevoked, userID, tenantID, RevocationData{
		UserID: userID,
		Count:  count,
		Reason: reason,
	})
}

// PasswordChanged records a password change.
func (p *Producer) PasswordChanged(ctx context.Context, userID, tenantID string) error {
	return p.publish(ctx, TypePasswordChanged, userID, tenantID, RevocationData{
		UserID: userID,
		Reason: "password_changed",
	})
}

func (p *Producer) publish(ctx context.Context, eventType, userID, tenantID string, data any) error {
	evt, err := pkgkafka.NewEvent(eventType, userID, AggregateTypeSession, SourceAuthService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", eventType, err)
	}
	evt.WithTenant(tenantID)
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		evt.WithCorrelationID(id)
	}

	if err := p.publisher.Publish(ctx, p.topic, evt); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish auth event",
			slog.String("event_type", eventType),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	p.logger.DebugContext(ctx, "published auth event",
		slog.String("event_type", eventType),
		slog.String("user_id", userID),
	)
	return nil
}
