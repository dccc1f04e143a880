package reqctx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_AssignsRequestID(t *testing.T) {
	var gotRequestID string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("POST", "/api/chat/stream", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if gotRequestID == "" {
		t.Fatal("Expected a request id in context")
	}
	if got := w.Header().Get("X-Request-ID"); got != gotRequestID {
		t.Errorf("Expected X-Request-ID header %q, got %q", gotRequestID, got)
	}
}

func TestMiddleware_LiftsUserIDHeader(t *testing.T) {
	var gotUserID string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
	}))

	req := httptest.NewRequest("POST", "/api/chat/stream", nil)
	req.Header.Set("X-User-ID", "u42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if gotUserID != "u42" {
		t.Errorf("Expected user id u42, got %q", gotUserID)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if GetUserID(ctx) != "" || GetRequestID(ctx) != "" {
		t.Error("Expected empty ids on a bare context")
	}

	ctx = WithUserID(ctx, "u1")
	ctx = WithRequestID(ctx, "r1")

	if GetUserID(ctx) != "u1" {
		t.Errorf("Expected u1, got %q", GetUserID(ctx))
	}
	if GetRequestID(ctx) != "r1" {
		t.Errorf("Expected r1, got %q", GetRequestID(ctx))
	}
}
