package devices

import (
	"errors"

	"github.com/dkeye/callsession/internal/domain"
)

// Classify maps any capture error to a *domain.PermissionError.
// Unclassified errors become PermissionUnknown.
func Classify(err error) *domain.PermissionError {
	if err == nil {
		return nil
	}
	var perr *domain.PermissionError
	if errors.As(err, &perr) {
		return perr
	}
	return &domain.PermissionError{Kind: domain.PermissionUnknown, Err: err}
}
