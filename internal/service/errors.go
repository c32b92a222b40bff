package service

import (
	"context"
	"errors"

	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// storeError maps a failed store call onto the taxonomy. Domain outcomes and
// cancellation pass through; anything else means the store itself failed.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case apperrors.IsDomain(err),
		errors.Is(err, apperrors.ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.StoreUnavailable(err)
	}
}

// resultLabel collapses an error to a low-cardinality metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, apperrors.ErrInvalidCredential), errors.Is(err, apperrors.ErrAccountNotFound):
		return "invalid_credentials"
	case errors.Is(err, apperrors.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, apperrors.ErrTokenExpired):
		return "expired"
	case errors.Is(err, apperrors.ErrTokenNotFound):
		return "not_found"
	default:
		return "error"
	}
}
