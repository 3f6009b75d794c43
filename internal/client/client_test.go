package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lakupos/internal/domain"
)

func commitRequest() domain.CommitRequest {
	return domain.CommitRequest{
		IdempotencyKey: "idem-client",
		Lines:          []domain.SaleLine{{SKU: "SKU-MIE-01", Qty: 1}},
	}
}

func loginOK(w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(domain.LoginResponse{
		AccessToken: "test-token",
		Role:        "cashier",
		ExpiresAt:   time.Now().Add(time.Hour).Format(time.RFC3339),
	})
}

func TestCommitLogsInAndSendsBearer(t *testing.T) {
	var logins, commits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			logins.Add(1)
			loginOK(w)
		case "/api/v1/sales/commit":
			commits.Add(1)
			if r.Header.Get("Authorization") != "Bearer test-token" {
				t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(domain.CommitResponse{
				Sale: domain.Sale{IdempotencyKey: "idem-client", InvoiceNumber: 7},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New(server.URL, "kasir", "rahasia", time.Second)
	resp, err := c.Commit(context.Background(), commitRequest())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resp.Sale.InvoiceNumber != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Second commit reuses the cached token.
	if _, err := c.Commit(context.Background(), commitRequest()); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if logins.Load() != 1 {
		t.Fatalf("expected a single login, got %d", logins.Load())
	}
	if commits.Load() != 2 {
		t.Fatalf("expected two commits, got %d", commits.Load())
	}
}

func TestCommitClassifiesServerErrorsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/login" {
			loginOK(w)
			return
		}
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "kasir", "rahasia", time.Second)
	_, err := c.Commit(context.Background(), commitRequest())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient for 500, got %v", err)
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("a 5xx must never be classified rejected, got %v", err)
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatalf("a 5xx comes from a reachable server, got %v", err)
	}
}

func TestCommitClassifiesValidationErrorsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/login" {
			loginOK(w)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid sale: line qty must be positive"})
	}))
	defer server.Close()

	c := New(server.URL, "kasir", "rahasia", time.Second)
	_, err := c.Commit(context.Background(), commitRequest())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for 400, got %v", err)
	}
}

func TestCommitUnreachableServerIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1", "kasir", "rahasia", 200*time.Millisecond)
	_, err := c.Commit(context.Background(), commitRequest())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for unreachable server, got %v", err)
	}
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("unreachable must still classify transient, got %v", err)
	}
}

func TestExpiredTokenDropsAndRetriesOnNextCall(t *testing.T) {
	var commits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			loginOK(w)
		case "/api/v1/sales/commit":
			if commits.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid or expired token"})
				return
			}
			_ = json.NewEncoder(w).Encode(domain.CommitResponse{Sale: domain.Sale{IdempotencyKey: "idem-client"}})
		}
	}))
	defer server.Close()

	c := New(server.URL, "kasir", "rahasia", time.Second)

	_, err := c.Commit(context.Background(), commitRequest())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient on 401, got %v", err)
	}
	if _, err := c.Commit(context.Background(), commitRequest()); err != nil {
		t.Fatalf("retry after token refresh: %v", err)
	}
}

func TestHealthProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	c := New(server.URL, "kasir", "rahasia", time.Second)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}

	server.Close()
	if err := c.Health(context.Background()); err == nil {
		t.Fatalf("expected error after server shutdown")
	}
}
