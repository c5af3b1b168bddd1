package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	id "impactledger/pkg/domain"
	"impactledger/pkg/platform/circuit"
)

// ErrCircuitOpen is returned without calling the custodian while the breaker is open.
var ErrCircuitOpen = errors.New("custodian circuit is open")

// HTTPCustodian asks an external custody service to release funds.
type HTTPCustodian struct {
	endpoint string
	client   *http.Client
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

type CustodianOption func(*HTTPCustodian)

func WithHTTPClient(client *http.Client) CustodianOption {
	return func(c *HTTPCustodian) {
		if client != nil {
			c.client = client
		}
	}
}

func WithBreaker(b *circuit.Breaker) CustodianOption {
	return func(c *HTTPCustodian) {
		if b != nil {
			c.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) CustodianOption {
	return func(c *HTTPCustodian) {
		c.logger = logger
	}
}

// NewHTTPCustodian targets baseURL + "/payouts".
func NewHTTPCustodian(baseURL string, opts ...CustodianOption) (*HTTPCustodian, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("custodian URL is required")
	}
	c := &HTTPCustodian{
		endpoint: baseURL + "/payouts",
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuit.New("custodian", circuit.WithCooldown(30*time.Second)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type payoutRequest struct {
	To        id.Identity     `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (c *HTTPCustodian) Payout(ctx context.Context, to id.Identity, amount decimal.Decimal) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := c.send(ctx, payoutRequest{To: to, Amount: amount, Reference: uuid.NewString()})
	if err != nil {
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.log(ctx, "custodian circuit opened", "error", err)
		}
		return err
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.log(ctx, "custodian circuit closed")
	}
	return nil
}

func (c *HTTPCustodian) send(ctx context.Context, body payoutRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payout request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", body.Reference)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call custodian: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("custodian returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPCustodian) log(ctx context.Context, msg string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.WarnContext(ctx, msg, append(args, "breaker", c.breaker.Name(), "state", c.breaker.State().String())...)
}
