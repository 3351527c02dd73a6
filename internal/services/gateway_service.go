package services

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

	"bookly/internal/common"
	"bookly/internal/metrics"

	"github.com/labstack/gommon/log"
	"github.com/sony/gobreaker/v2"
)

// Gateway transaction statuses.
const (
	TransactionPending  = "PENDING"
	TransactionApproved = "APPROVED"
	TransactionDeclined = "DECLINED"
	TransactionVoided   = "VOIDED"
	TransactionError    = "ERROR"
)

// GatewayClient is the outbound adapter to the payment gateway. It never
// touches local state.
type GatewayClient interface {
	CreateIntent(ctx context.Context, spec IntentSpec) (*Intent, error)
	QueryStatus(ctx context.Context, transactionID string) (*Transaction, error)
	FindByReference(ctx context.Context, reference string) (*Transaction, error)
}

type IntentSpec struct {
	Reference     string    `json:"reference"`
	Amount        int64     `json:"amount_in_cents"`
	Currency      string    `json:"currency"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	RedirectURL   string    `json:"redirect_url,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Intent struct {
	Reference        string    `json:"reference"`
	GatewayPaymentID string    `json:"id"`
	CheckoutURL      string    `json:"checkout_url"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type Transaction struct {
	ID            string `json:"id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	CustomerEmail string `json:"customer_email"`
	Amount        int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
}

func (t *Transaction) IsApproved() bool {
	return t.Status == TransactionApproved
}

// IsDeclined covers every terminal status other than APPROVED.
func (t *Transaction) IsDeclined() bool {
	switch t.Status {
	case TransactionDeclined, TransactionVoided, TransactionError:
		return true
	}
	return false
}

func (t *Transaction) IsTerminal() bool {
	return t.IsApproved() || t.IsDeclined()
}

// Underpays reports whether the captured amount falls short of expected.
// Gateways that omit the amount report zero, which is not a shortfall.
func (t *Transaction) Underpays(expected int64) bool {
	return t.Amount > 0 && t.Amount < expected
}

// GatewayConfig configures the HTTP adapter.
type GatewayConfig struct {
	BaseURL         string
	PrivateKey      string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type gatewayService struct {
	cfg     GatewayConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	metrics *metrics.Metrics
	logger  *log.Logger
}

type gatewayError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type gatewayEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *gatewayError   `json:"error"`
}

// NewGatewayService creates the gateway adapter. httpClient may be nil.
func NewGatewayService(cfg GatewayConfig, httpClient *http.Client, m *metrics.Metrics, logger *log.Logger) GatewayClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = common.DiscardLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &gatewayService{cfg: cfg, http: httpClient, metrics: m, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Declines and unknown ids are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnj(log.JSON{"event": "breaker_state", "breaker": name, "from": from.String(), "to": to.String()})
		},
	})
	return s
}

func (s *gatewayService) CreateIntent(ctx context.Context, spec IntentSpec) (*Intent, error) {
	if spec.Reference == "" || spec.Amount <= 0 {
		return nil, invalidInput("intent needs a reference and a positive amount")
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}

	data, err := s.do(ctx, "create_intent", http.MethodPost, "/payment_intents", payload)
	if err != nil {
		return nil, err
	}

	intent := &Intent{}
	if err := json.Unmarshal(data, intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w: %w", ErrTransient, err)
	}
	if intent.GatewayPaymentID == "" || intent.CheckoutURL == "" {
		return nil, fmt.Errorf("decode intent: incomplete gateway response: %w", ErrTransient)
	}
	intent.Reference = spec.Reference
	if intent.ExpiresAt.IsZero() {
		intent.ExpiresAt = spec.ExpiresAt
	}
	return intent, nil
}

func (s *gatewayService) QueryStatus(ctx context.Context, transactionID string) (*Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, invalidInput("transaction id is required")
	}

	data, err := s.do(ctx, "query_status", http.MethodGet, "/transactions/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w: %w", ErrTransient, err)
	}
	return tx, nil
}

// FindByReference returns the most relevant transaction for a reference,
// preferring an approved one when the customer retried.
func (s *gatewayService) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, invalidInput("reference is required")
	}

	data, err := s.do(ctx, "find_by_reference", http.MethodGet, "/transactions?reference="+url.QueryEscape(reference), nil)
	if err != nil {
		return nil, err
	}

	var txs []Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w: %w", ErrTransient, err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("no gateway transaction for %s: %w", reference, ErrNotFound)
	}

	chosen := txs[0]
	for _, tx := range txs {
		if tx.IsApproved() {
			chosen = tx
			break
		}
	}
	return &chosen, nil
}

// do runs one request through the breaker and returns the envelope's data.
func (s *gatewayService) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := s.breaker.Execute(func() ([]byte, error) {
		return s.roundTrip(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("gateway %s: %w: %w", op, ErrTransient, err)
	}

	s.metrics.ObserveGateway(op, gatewayOutcome(err), started)
	if err != nil {
		s.logger.Warnj(log.JSON{"event": "gateway_call_failed", "operation": op, "error": err.Error()})
		return nil, err
	}
	return data, nil
}

func (s *gatewayService) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.PrivateKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s %s: %w: %w", method, path, ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w: %w", ErrTransient, err)
	}

	var env gatewayEnvelope
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("gateway returned %d: %w", resp.StatusCode, ErrTransient)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("gateway returned 404: %w", ErrNotFound)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("gateway returned %d%s: %w", resp.StatusCode, env.Error.describe(), ErrRejected)
	case env.Error != nil:
		return nil, fmt.Errorf("gateway error%s: %w", env.Error.describe(), ErrRejected)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("gateway response without data: %w", ErrTransient)
	}
	return env.Data, nil
}

func (e *gatewayError) describe() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf(" (%s: %s)", e.Type, e.Reason)
}

func gatewayOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "rejected"
	}
}
