package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// DefaultBcryptCost is the cost factor for new password hashes.
const DefaultBcryptCost = 12

// Accepted password lengths. bcrypt ignores input past 72 bytes.
const (
	minSecretLength = 8
	maxSecretLength = 72
)

// CredentialVerifier checks an identifier/secret pair against the stored
// bcrypt hash.
type CredentialVerifier struct {
	users     repository.UserRepository
	cost      int
	dummyHash []byte
	logger    *slog.Logger
}

// NewCredentialVerifier creates a verifier hashing at cost. A dummy hash of
// the same cost is prepared so unknown accounts take as long to reject as
// wrong secrets.
func NewCredentialVerifier(users repository.UserRepository, cost int, logger *slog.Logger) (*CredentialVerifier, error) {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-secret"), cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &CredentialVerifier{
		users:     users,
		cost:      cost,
		dummyHash: dummy,
		logger:    logger,
	}, nil
}

// Verify returns the user when secret matches. Unknown and soft-deleted
// accounts yield AccountNotFound, a mismatch yields InvalidCredential; both
// render identically to clients.
func (v *CredentialVerifier) Verify(ctx context.Context, identifier, secret string) (*domain.User, error) {
	identifier = domain.NormalizeIdentifier(identifier)

	user, err := v.users.GetByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, storeError(err)
	}

	if !user.Active() {
		_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(secret))
		return nil, apperrors.AccountNotFound(identifier)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(secret)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			v.logger.WarnContext(ctx, "stored password hash is unusable",
				slog.String("user_id", user.Identifier),
				slog.String("error", err.Error()),
			)
		}
		return nil, apperrors.InvalidCredential()
	}

	return user, nil
}

// Hash returns a bcrypt hash of secret after checking its length.
func (v *CredentialVerifier) Hash(secret string) (string, error) {
	if len(secret) < minSecretLength {
		return "", apperrors.InvalidInput(fmt.Sprintf("password must be at least %d characters", minSecretLength))
	}
	if len(secret) > maxSecretLength {
		return "", apperrors.InvalidInput(fmt.Sprintf("password must be at most %d bytes", maxSecretLength))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
