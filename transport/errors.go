package transport

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
)

// fault builds the error an adapter returns. The adapter kind is always part
// of the metadata so logs and the retry layer can attribute the failure.
func fault(kind string, source error, category goerrors.Category, code int, message string, fields map[string]any) error {
	metadata := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		metadata[key] = value
	}
	metadata["adapter"] = kind

	var err *goerrors.Error
	if source != nil {
		err = goerrors.Wrap(source, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	return err.WithCode(code).WithTextCode(core.TextCode(category)).WithMetadata(metadata)
}

func misconfigured(kind string, message string) error {
	return fault(kind, nil, goerrors.CategoryInternal, http.StatusInternalServerError, message, nil)
}

func badRequest(kind string, source error, message string, fields map[string]any) error {
	return fault(kind, source, goerrors.CategoryBadInput, http.StatusBadRequest, message, fields)
}

func upstreamFailure(kind string, source error, message string, fields map[string]any) error {
	return fault(kind, source, goerrors.CategoryExternal, http.StatusBadGateway, message, fields)
}

// statusFault reports a non-2xx provider reply, keeping the provider's status
// as the error code.
func statusFault(kind string, status int, message string, fields map[string]any) error {
	return fault(kind, nil, statusCategory(status), status, message, fields)
}

func statusCategory(status int) goerrors.Category {
	switch status {
	case http.StatusUnauthorized:
		return goerrors.CategoryAuth
	case http.StatusForbidden:
		return goerrors.CategoryAuthz
	case http.StatusTooManyRequests:
		return goerrors.CategoryRateLimit
	case http.StatusBadRequest:
		return goerrors.CategoryBadInput
	default:
		return goerrors.CategoryExternal
	}
}
