package idempotency

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d,"echo":%s}`, n, body)
	})
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows/e1/refund", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareReplaysSameRequest(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	first := post(h, "k1", `{"reason":"cancel"}`)
	second := post(h, "k1", `{"reason":"cancel"}`)

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
	if second.Code != http.StatusOK || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %q vs %q", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" {
		t.Fatal("expected replay header")
	}
}

func TestMiddlewareRejectsDifferentBody(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	post(h, "k1", `{"reason":"cancel"}`)
	rr := post(h, "k1", `{"reason":"other"}`)
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "idempotency_conflict") {
		t.Fatalf("expected idempotency_conflict, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusBadGateway))

	post(h, "k1", `{}`)
	post(h, "k1", `{}`)
	if calls.Load() != 2 {
		t.Fatalf("server errors must be retried, handler ran %d times", calls.Load())
	}
}

func TestMiddlewareScopesKeysToCaller(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	for _, token := range []string{"Bearer alice", "Bearer bob"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/escrows/e1/refund", strings.NewReader(`{}`))
		req.Header.Set(HeaderKey, "shared")
		req.Header.Set("Authorization", token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK || rr.Header().Get(HeaderReplayed) != "" {
			t.Fatalf("%s: expected a fresh response, got %d", token, rr.Code)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("each caller owns its keys, handler ran %d times", calls.Load())
	}
}

func TestMiddlewareIgnoresUnkeyedRequests(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore(), time.Hour, nil)(countingHandler(&calls, http.StatusOK))
	post(h, "", `{}`)
	post(h, "", `{}`)
	if calls.Load() != 2 {
		t.Fatalf("unkeyed requests run every time, got %d", calls.Load())
	}
}

func TestMemoryStoreInFlightAndExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if _, ok, _ := s.Reserve(context.Background(), "k", "fp", time.Minute); !ok {
		t.Fatal("first reserve must succeed")
	}
	rec, ok, _ := s.Reserve(context.Background(), "k", "fp", time.Minute)
	if ok || rec.Done {
		t.Fatalf("expected in-flight record, got %+v %v", rec, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Reserve(context.Background(), "k", "fp", time.Minute); !ok {
		t.Fatal("expired key must be reservable")
	}
}
