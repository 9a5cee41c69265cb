package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"capital-pools/pool-engine/pkg/money"
)

var (
	ErrInvalidCredit       = errors.New("credit needs an idempotency key and a positive amount")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
)

type CreditRequest struct {
	IdempotencyKey string      `json:"idempotency_key"`
	PartnerID      uuid.UUID   `json:"partner_id"`
	Amount         money.Money `json:"amount"`
	Reference      string      `json:"reference"`
}

func (r CreditRequest) validate() error {
	if r.IdempotencyKey == "" || r.Amount <= 0 {
		return ErrInvalidCredit
	}
	return nil
}

// Receipt confirms a credit. Replaying a key returns the original receipt.
type Receipt struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	IdempotencyKey string      `gorm:"type:varchar(128);not null;uniqueIndex" json:"idempotency_key"`
	PartnerID      uuid.UUID   `gorm:"type:uuid;not null;index" json:"partner_id"`
	Amount         money.Money `gorm:"not null" json:"amount"`
	Reference      string      `json:"reference"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (Receipt) TableName() string { return "wallet_credits" }

func Models() []any { return []any{&Receipt{}} }

// Wallet is the external ledger that receives payout-mode profit.
type Wallet interface {
	Credit(ctx context.Context, req CreditRequest) (*Receipt, error)
}

// DBWallet records credits in a local table that the wallet service drains.
type DBWallet struct {
	db *gorm.DB
}

// NewDBWallet creates a wallet that records credits locally
func NewDBWallet(db *gorm.DB) *DBWallet {
	return &DBWallet{db: db}
}

// Credit records the credit once per idempotency key
func (w *DBWallet) Credit(ctx context.Context, req CreditRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	rec := &Receipt{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		PartnerID:      req.PartnerID,
		Amount:         req.Amount,
		Reference:      req.Reference,
	}
	db := w.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to record credit: %w", err)
	}

	var stored Receipt
	if err := db.Where("idempotency_key = ?", req.IdempotencyKey).Take(&stored).Error; err != nil {
		return nil, err
	}
	if stored.Amount != req.Amount || stored.PartnerID != req.PartnerID {
		return nil, ErrIdempotencyConflict
	}
	return &stored, nil
}

// CreditsByReference lists recorded credits for a reference, e.g. a cycle.
func (w *DBWallet) CreditsByReference(ctx context.Context, reference string) ([]Receipt, error) {
	var out []Receipt
	err := w.db.WithContext(ctx).Where("reference = ?", reference).Order("created_at ASC").Find(&out).Error
	return out, err
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wallet API error (%d): %s", e.Status, e.Body)
}

// Retryable reports whether the wallet might accept the same request later.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// HTTPWallet posts credits to the wallet service.
type HTTPWallet struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPWallet creates a client for the external wallet service
func NewHTTPWallet(httpClient *http.Client, host, apiKey string) *HTTPWallet {
	return &HTTPWallet{
		host:       strings.TrimRight(host, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Credit posts the credit with an Idempotency-Key header
func (w *HTTPWallet) Credit(ctx context.Context, req CreditRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.host+"/credits", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return nil, ErrIdempotencyConflict
	default:
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var rec Receipt
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return &rec, nil
}
