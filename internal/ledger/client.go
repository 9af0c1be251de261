package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSubmitTimeout  = 30 * time.Second
	defaultReceiptTimeout = 2 * time.Minute
	defaultPollInterval   = 2 * time.Second
)

// Config holds gateway client configuration.
type Config struct {
	BaseURL string
	// OperatorAccount signs submitted transactions on the gateway side.
	OperatorAccount string
	SubmitTimeout   time.Duration
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
}

// Client talks to the ledger gateway over HTTP JSON. Submission and finality
// confirmation are separate round trips: a submit returns a pending receipt,
// then the client polls until the receipt is final or the context expires.
type Client struct {
	baseURL        string
	operator       string
	httpClient     *http.Client
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
}

// NewClient validates configuration and builds the gateway client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("ledger: gateway base URL required")
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = defaultReceiptTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		operator:       cfg.OperatorAccount,
		httpClient:     &http.Client{Timeout: submitTimeout},
		receiptTimeout: receiptTimeout,
		pollInterval:   pollInterval,
		logger:         logger,
	}, nil
}

type submitRequest struct {
	Operator string    `json:"operator,omitempty"`
	Op       Operation `json:"operation"`
}

type receiptResponse struct {
	Final   bool    `json:"final"`
	Receipt Receipt `json:"receipt"`
}

// Submit posts the operation and waits for its finality receipt. A transport
// error or context expiry after the POST leaves the outcome unknown; the
// caller must reconcile via ReceiptByKey rather than resubmit under a new
// key.
func (c *Client) Submit(ctx context.Context, op Operation) (Receipt, error) {
	body, err := json.Marshal(submitRequest{Operator: c.operator, Op: op})
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: marshal operation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{Status: StatusUnknown}, fmt.Errorf("ledger: submit %s: %w", op.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Receipt{Status: StatusUnknown}, fmt.Errorf("ledger: submit %s: gateway status %d", op.Kind, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		code := readErrorCode(resp.Body)
		return Receipt{Status: StatusRejected, Code: code}, &RejectionError{Kind: op.Kind, Code: code}
	}

	var pending receiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		return Receipt{Status: StatusUnknown}, fmt.Errorf("ledger: decode submit response: %w", err)
	}
	if pending.Final {
		return c.finalize(op, pending.Receipt)
	}

	wctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	return c.awaitReceipt(wctx, op)
}

// awaitReceipt polls the receipt endpoint until finality or ctx expiry. A
// missing receipt is transient while the submission is in flight.
func (c *Client) awaitReceipt(ctx context.Context, op Operation) (Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Receipt{Status: StatusUnknown}, fmt.Errorf("ledger: await %s receipt: %w", op.Kind, ctx.Err())
		case <-ticker.C:
			receipt, err := c.fetchReceipt(ctx, op.IdempotencyKey)
			if err != nil {
				if errors.Is(err, ErrReceiptNotFound) {
					continue
				}
				return Receipt{Status: StatusUnknown}, err
			}
			if receipt.Status == StatusUnknown {
				continue
			}
			return c.finalize(op, receipt)
		}
	}
}

func (c *Client) finalize(op Operation, receipt Receipt) (Receipt, error) {
	if receipt.Status == StatusRejected {
		return receipt, &RejectionError{Kind: op.Kind, Code: receipt.Code}
	}
	return receipt, nil
}

// ReceiptByKey re-queries the finality receipt for a past submission.
func (c *Client) ReceiptByKey(ctx context.Context, idempotencyKey string) (Receipt, error) {
	return c.fetchReceipt(ctx, idempotencyKey)
}

func (c *Client) fetchReceipt(ctx context.Context, idempotencyKey string) (Receipt, error) {
	endpoint := fmt.Sprintf("%s/v1/transactions/%s/receipt", c.baseURL, url.PathEscape(idempotencyKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Receipt{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: fetch receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Receipt{}, ErrReceiptNotFound
	}
	if resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("ledger: fetch receipt: gateway status %d", resp.StatusCode)
	}

	var out receiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, fmt.Errorf("ledger: decode receipt: %w", err)
	}
	if !out.Final {
		return Receipt{Status: StatusUnknown}, nil
	}
	return out.Receipt, nil
}

// QuerySessionDetails reads the contract-side session state via the gateway.
func (c *Client) QuerySessionDetails(ctx context.Context, contract, sessionID string) (SessionSnapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/contracts/%s/sessions/%s",
		c.baseURL, url.PathEscape(contract), url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SessionSnapshot{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SessionSnapshot{}, fmt.Errorf("ledger: query session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return SessionSnapshot{}, fmt.Errorf("ledger: query session %s: gateway status %d", sessionID, resp.StatusCode)
	}

	var snapshot SessionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return SessionSnapshot{}, fmt.Errorf("ledger: decode session snapshot: %w", err)
	}
	return snapshot, nil
}

func readErrorCode(r io.Reader) string {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil || payload.Code == "" {
		return "REJECTED"
	}
	return payload.Code
}
