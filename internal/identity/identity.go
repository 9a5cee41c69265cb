package identity

import (
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
)

var ErrPartnerNotFound = errors.New("partner not found")

// Partner is the slice of the identity service the engine reads.
type Partner struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DisplayName string    `gorm:"not null" json:"display_name"`
	KYCVerified bool      `gorm:"not null;default:false" json:"kyc_verified"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func Models() []any { return []any{&Partner{}} }

// Directory resolves partners.
type Directory interface {
	GetPartner(ctx context.Context, id uuid.UUID) (*Partner, error)
}

// DBDirectory reads partners from a local table kept in sync by the account
// service.
type DBDirectory struct {
	db *gorm.DB
}

// NewDBDirectory creates a directory backed by the partners table
func NewDBDirectory(db *gorm.DB) *DBDirectory {
	return &DBDirectory{db: db}
}

// GetPartner returns ErrPartnerNotFound for unknown ids
func (d *DBDirectory) GetPartner(ctx context.Context, id uuid.UUID) (*Partner, error) {
	var p Partner
	if err := d.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPartnerNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Upsert inserts or refreshes a partner row.
func (d *DBDirectory) Upsert(ctx context.Context, p *Partner) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "kyc_verified", "updated_at"}),
	}).Create(p).Error
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity API error (%d): %s", e.Status, e.Body)
}

// HTTPDirectory calls the identity service's partner endpoint.
type HTTPDirectory struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPDirectory creates a client for the external identity service
func NewHTTPDirectory(httpClient *http.Client, host, apiKey string) *HTTPDirectory {
	return &HTTPDirectory{
		host:       strings.TrimRight(host, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// GetPartner maps a 404 to ErrPartnerNotFound
func (d *HTTPDirectory) GetPartner(ctx context.Context, id uuid.UUID) (*Partner, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.host+"/partners/"+id.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrPartnerNotFound
	default:
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var p Partner
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode partner: %w", err)
	}
	return &p, nil
}
