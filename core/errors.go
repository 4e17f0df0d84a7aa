package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput            = "DEPLOYSYNC_BAD_INPUT"
	ErrorUnauthorized        = "DEPLOYSYNC_UNAUTHORIZED"
	ErrorForbidden           = "DEPLOYSYNC_FORBIDDEN"
	ErrorNotFound            = "DEPLOYSYNC_NOT_FOUND"
	ErrorConstraintViolation = "DEPLOYSYNC_CONSTRAINT_VIOLATION"
	ErrorRateLimited         = "DEPLOYSYNC_RATE_LIMITED"
	ErrorOperationFailed     = "DEPLOYSYNC_OPERATION_FAILED"
	ErrorExternalFailure     = "DEPLOYSYNC_EXTERNAL_FAILURE"
	ErrorSignatureInvalid    = "DEPLOYSYNC_SIGNATURE_INVALID"
	ErrorInternal            = "DEPLOYSYNC_INTERNAL_ERROR"
)

// NewError builds a go-errors envelope with the text code and HTTP status
// implied by category.
func NewError(message string, category goerrors.Category, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(HTTPStatus(category)).
		WithTextCode(TextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func WrapError(source error, category goerrors.Category, message string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return NewError(message, category, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(HTTPStatus(category)).
		WithTextCode(TextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// NewConstraintViolation reports a duplicate (ticket, deploy) ledger insert.
func NewConstraintViolation(message string, source error, metadata map[string]any) *goerrors.Error {
	var err *goerrors.Error
	if source != nil {
		err = goerrors.Wrap(source, goerrors.CategoryConflict, message)
	} else {
		err = goerrors.New(message, goerrors.CategoryConflict)
	}
	err = err.WithCode(http.StatusConflict).WithTextCode(ErrorConstraintViolation)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func IsConstraintViolation(err error) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == ErrorConstraintViolation
}

func IsNotFound(err error) bool {
	return HasCategory(err, goerrors.CategoryNotFound)
}

func HasCategory(err error, category goerrors.Category) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.Category == category
}

// MapError turns any error into an envelope carrying an HTTP status.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureEnvelope(rich)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(err.Error(), goerrors.CategoryExternal, nil)
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return NewError(err.Error(), goerrors.CategoryRateLimit, nil)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(err.Error(), goerrors.CategoryBadInput, nil)
	}
	return ensureEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = TextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func TextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryAuth:
		return ErrorUnauthorized
	case goerrors.CategoryAuthz:
		return ErrorForbidden
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorConstraintViolation
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryOperation:
		return ErrorOperationFailed
	case goerrors.CategoryExternal:
		return ErrorExternalFailure
	default:
		return ErrorInternal
	}
}

func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
