package core

import (
	"errors"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestNewConstraintViolationIsDetectable(t *testing.T) {
	err := NewConstraintViolation("ledger: duplicate", errors.New("UNIQUE constraint failed"), map[string]any{"ticket_id": "HQ-1"})
	if !IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation to be detected")
	}
	if err.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", err.Code)
	}
	if IsConstraintViolation(errors.New("plain")) {
		t.Fatalf("expected plain error not to be a constraint violation")
	}
}

func TestNewErrorCarriesCategoryDefaults(t *testing.T) {
	err := NewError("service missing", goerrors.CategoryNotFound, nil)
	if err.TextCode != ErrorNotFound || err.Code != http.StatusNotFound {
		t.Fatalf("unexpected envelope %q %d", err.TextCode, err.Code)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not found category")
	}
}

func TestMapErrorFallbacks(t *testing.T) {
	mapped := MapError(errors.New("secret is required"))
	if mapped.Category != goerrors.CategoryBadInput || mapped.Code != http.StatusBadRequest {
		t.Fatalf("expected bad input mapping, got %q %d", mapped.Category, mapped.Code)
	}
	wrapped := WrapError(errors.New("dial tcp"), goerrors.CategoryExternal, "render: request failed", nil)
	if MapError(wrapped).Code != http.StatusBadGateway {
		t.Fatalf("expected external failures to map to 502")
	}
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
