package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chargehive/internal/models"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:        baseURL,
		SubmitTimeout:  time.Second,
		ReceiptTimeout: time.Second,
		PollInterval:   10 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitImmediateFinality(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewEncoder(w).Encode(receiptResponse{
			Final:   true,
			Receipt: Receipt{Status: StatusSuccess, SessionID: "ledger-1"},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	receipt, err := client.Submit(context.Background(),
		CreateSessionOp("key-1", "contract-1", "wallet-1", "booker-1", 0, 0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Status != StatusSuccess || receipt.SessionID != "ledger-1" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if gotKey != "key-1" {
		t.Fatalf("idempotency key not sent: %q", gotKey)
	}
}

func TestSubmitPollsUntilFinal(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(receiptResponse{Final: false})
		default:
			mu.Lock()
			polls++
			final := polls >= 3
			mu.Unlock()
			if !final {
				_ = json.NewEncoder(w).Encode(receiptResponse{Final: false})
				return
			}
			_ = json.NewEncoder(w).Encode(receiptResponse{
				Final:   true,
				Receipt: Receipt{Status: StatusSuccess},
			})
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	receipt, err := client.Submit(context.Background(),
		EndSessionOp("key-1", "contract-1", "session-1", 150))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Status != StatusSuccess {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestSubmitRejectionCarriesCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "INSUFFICIENT_BALANCE"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	receipt, err := client.Submit(context.Background(),
		DistributeRewardOp("key-1", "contract-1", "session-1"))

	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rejection.Code != "INSUFFICIENT_BALANCE" || rejection.Kind != models.OpDistributeReward {
		t.Fatalf("unexpected rejection: %+v", rejection)
	}
	if receipt.Status != StatusRejected {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestSubmitGatewayErrorIsUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	receipt, err := client.Submit(context.Background(),
		DistributeRewardOp("key-1", "contract-1", "session-1"))
	if err == nil {
		t.Fatal("expected error")
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		t.Fatal("5xx must not classify as rejection")
	}
	if receipt.Status != StatusUnknown {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestSubmitTimesOutWhileFinalityPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(receiptResponse{Final: false})
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:        server.URL,
		SubmitTimeout:  time.Second,
		ReceiptTimeout: 50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	receipt, err := client.Submit(context.Background(),
		EndSessionOp("key-1", "contract-1", "session-1", 150))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if receipt.Status != StatusUnknown {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestReceiptByKeyNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.ReceiptByKey(context.Background(), "key-1"); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestQuerySessionDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/contracts/contract-1/sessions/session-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(SessionSnapshot{
			SessionID:        "ledger-1",
			EnergyUsed:       150,
			CalculatedReward: 300,
			TokenDistributed: true,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	snapshot, err := client.QuerySessionDetails(context.Background(), "contract-1", "session-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !snapshot.TokenDistributed || snapshot.CalculatedReward != 300 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}
