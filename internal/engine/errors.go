package engine

import (
	"errors"
	"fmt"

	"lyncmos/internal/core"
	"lyncmos/internal/repo"
)

const (
	CodeTripNotFound           = "TRIP_NOT_FOUND"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeTripNotActive          = "TRIP_NOT_ACTIVE"
	CodeRevenueLocked          = "REVENUE_LOCKED"
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeInvalidStatus          = "INVALID_STATUS"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeCrewNotFound           = "CREW_NOT_FOUND"
	CodeUnauthorizedOperator   = "UNAUTHORIZED_OPERATOR"
	CodeSaccoNotFound          = "SACCO_NOT_FOUND"
	CodeBranchNotFound         = "BRANCH_NOT_FOUND"
	CodeDuplicatePlate         = "DUPLICATE_PLATE"
)

// Error is a domain rule violation. Kind decides whether the core runtime
// charges it to the breaker.
type Error struct {
	Code    string
	Message string
	Kind    core.Kind
}

func (e *Error) Error() string        { return e.Message }
func (e *Error) ErrorCode() string    { return e.Code }
func (e *Error) FaultKind() core.Kind { return e.Kind }

func domainErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Kind: core.KindDomain}
}

func validationErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Kind: core.KindValidation}
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func tripLookupErr(id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domainErr(CodeTripNotFound, "Trip %s not found", id)
	}
	return fmt.Errorf("trip %s: %w", id, err)
}
