package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"secondbrain/api/internal/auth"
)

func TestAsDomainError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *DomainError
	}{
		{name: "domain error passes through", err: errPersistenceDisabled, want: errPersistenceDisabled},
		{name: "wrapped domain error", err: fmt.Errorf("list: %w", errForbidden), want: errForbidden},
		{name: "invalid token", err: fmt.Errorf("parse: %w", auth.ErrInvalidToken), want: errUnauthorized},
		{name: "expired token", err: auth.ErrExpiredToken, want: errUnauthorized},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: errTimeout},
		{name: "anything else", err: errors.New("boom"), want: errServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := asDomainError(tt.err); got != tt.want {
				t.Fatalf("asDomainError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNoEditsRecordedIsNotFound(t *testing.T) {
	err := fmt.Errorf("resolve: %w", noEditsRecorded("deal", "d1"))
	if !errors.Is(err, errNotFound) {
		t.Fatalf("errors.Is(%v, errNotFound) = false", err)
	}
	domainErr := asDomainError(err)
	if domainErr.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", domainErr.Status)
	}
	details, ok := domainErr.Details.(map[string]string)
	if !ok || details["resource_type"] != "deal" || details["resource_id"] != "d1" {
		t.Fatalf("details = %v", domainErr.Details)
	}
}

func TestInvalidLimitResponse(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	rr := serve(t, svc, http.MethodGet, "/api/rooms/r1/edits?limit=-1", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "INVALID_LIMIT" {
		t.Fatalf("expected INVALID_LIMIT, got %v", code)
	}
}
