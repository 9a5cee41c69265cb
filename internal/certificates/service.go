package certificates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/events"
	"capital-pools/pool-engine/internal/identity"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/pkg/money"
	"capital-pools/pool-engine/pkg/pdf"
	"capital-pools/pool-engine/pkg/storage"
)

var (
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrInvalidCoverage     = errors.New("coverage amount must be positive")
	ErrArchiveDisabled     = errors.New("certificate archive is not configured")
)

type Config struct {
	Term          time.Duration
	ArchiveBucket string
	LinkTTL       time.Duration
}

// Authority issues, verifies and retires unit certificates.
type Authority struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	partners  identity.Directory
	publisher events.Publisher
	renderer  pdf.Generator
	archive   storage.S3Client
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	rand      io.Reader
}

type Option func(*Authority)

// WithArchive stores rendered certificate documents in S3.
func WithArchive(store storage.S3Client) Option {
	return func(a *Authority) { a.archive = store }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithRandom overrides the entropy source for certificate numbers
func WithRandom(r io.Reader) Option {
	return func(a *Authority) { a.rand = r }
}

// NewAuthority creates a new certificate authority
func NewAuthority(
	db *gorm.DB,
	ledger *ledger.Ledger,
	partners identity.Directory,
	publisher events.Publisher,
	renderer pdf.Generator,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Authority {
	if cfg.Term <= 0 {
		cfg.Term = 365 * 24 * time.Hour
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 15 * time.Minute
	}
	a := &Authority{
		db:        db,
		ledger:    ledger,
		partners:  partners,
		publisher: publisher,
		renderer:  renderer,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		rand:      defaultRand,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue returns the unit's active certificate number, creating one when the
// unit has none. A zero coverage defaults to the unit principal.
func (a *Authority) Issue(ctx context.Context, unitID uuid.UUID, coverage money.Money) (string, error) {
	unit, err := a.ledger.GetUnit(ctx, unitID)
	if err != nil {
		return "", err
	}
	if coverage == 0 {
		coverage = unit.Principal
	}
	if coverage < 0 {
		return "", ErrInvalidCoverage
	}

	var existing Certificate
	err = a.db.WithContext(ctx).
		Where("unit_id = ? AND status = ?", unitID, StatusActive).
		Take(&existing).Error
	if err == nil {
		return existing.Number, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	partner, err := a.partners.GetPartner(ctx, unit.PartnerID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve partner %s: %w", unit.PartnerID, err)
	}

	number, err := newNumber(a.rand)
	if err != nil {
		return "", err
	}

	now := a.now()
	cert := &Certificate{
		Number:         number,
		NumberDigest:   digest(number),
		UnitID:         unit.ID,
		PartnerID:      unit.PartnerID,
		PartnerName:    partner.DisplayName,
		CoverageAmount: coverage,
		Status:         StatusActive,
		EffectiveDate:  now,
		ExpiryDate:     now.Add(a.cfg.Term),
	}

	var raced string
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txLedger := a.ledger.WithTx(tx)
		if _, err := txLedger.LockUnit(ctx, unit.ID); err != nil {
			return err
		}
		var current Certificate
		err := tx.Where("unit_id = ? AND status = ?", unit.ID, StatusActive).Take(&current).Error
		if err == nil {
			raced = current.Number
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(cert).Error; err != nil {
			return fmt.Errorf("failed to create certificate: %w", err)
		}
		return txLedger.LinkCertificate(ctx, unit.ID, cert.ID)
	})
	if err != nil {
		return "", err
	}
	if raced != "" {
		return raced, nil
	}

	a.logger.Info("Certificate issued",
		zap.String("certificate_id", cert.ID.String()),
		zap.String("unit_id", unit.ID.String()),
		zap.String("pool_id", unit.PoolID.String()))
	a.publisher.Publish(ctx, events.Event{
		Type:   events.CertificateIssued,
		PoolID: unit.PoolID,
		UnitID: unit.ID,
		Data:   map[string]any{"certificate_id": cert.ID},
	})
	return number, nil
}

// Verify never fails. Unknown, malformed and faulty lookups all produce
// {is_authentic:false}; malformed input still pays for one digest lookup.
func (a *Authority) Verify(ctx context.Context, number string) VerificationResult {
	normalized, ok := normalizeNumber(number)
	if !ok {
		normalized = decoyNumber
	}

	var cert Certificate
	err := a.db.WithContext(ctx).Where("number_digest = ?", digest(normalized)).Take(&cert).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			a.logger.Error("Certificate lookup failed", zap.Error(err))
		}
		return VerificationResult{}
	}
	if !ok || cert.Number != normalized {
		return VerificationResult{}
	}

	status := cert.EffectiveStatus(a.now())
	name := cert.PartnerName
	coverage := cert.CoverageAmount
	expiry := cert.ExpiryDate.UTC()
	return VerificationResult{
		IsAuthentic:    true,
		PartnerName:    &name,
		CoverageAmount: &coverage,
		Status:         &status,
		ExpiryDate:     &expiry,
	}
}

// Get loads a certificate by number for operators.
func (a *Authority) Get(ctx context.Context, number string) (*Certificate, error) {
	normalized, ok := normalizeNumber(number)
	if !ok {
		return nil, ErrCertificateNotFound
	}
	var cert Certificate
	if err := a.db.WithContext(ctx).Where("number_digest = ?", digest(normalized)).Take(&cert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCertificateNotFound
		}
		return nil, err
	}
	return &cert, nil
}

// Revoke moves a certificate to revoked. Revoking twice is a no-op.
func (a *Authority) Revoke(ctx context.Context, number, reason string) (*Certificate, error) {
	cert, err := a.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if cert.Status == StatusRevoked {
		return cert, nil
	}

	now := a.now()
	res := a.db.WithContext(ctx).Model(&Certificate{}).
		Where("id = ? AND status IN ?", cert.ID, []Status{StatusActive, StatusExpired}).
		Updates(map[string]any{
			"status":            StatusRevoked,
			"revoked_at":        now,
			"revocation_reason": reason,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		a.logger.Info("Certificate revoked",
			zap.String("certificate_id", cert.ID.String()),
			zap.String("unit_id", cert.UnitID.String()))
		a.publisher.Publish(ctx, events.Event{
			Type:   events.CertificateRevoked,
			UnitID: cert.UnitID,
			Data:   map[string]any{"certificate_id": cert.ID, "reason": reason},
		})
	}
	return a.Get(ctx, number)
}

// ExpireDue flips active certificates whose expiry has passed.
func (a *Authority) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res := a.db.WithContext(ctx).Model(&Certificate{}).
		Where("status = ? AND expiry_date <= ?", StatusActive, now.UTC()).
		Update("status", StatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		a.logger.Info("Certificates expired", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// IssueForPool issues certificates for every active unit of a pool.
func (a *Authority) IssueForPool(ctx context.Context, poolID uuid.UUID) (int, error) {
	units, err := a.ledger.ListByPool(ctx, poolID, ledger.UnitActive)
	if err != nil {
		return 0, err
	}
	return a.issueAll(ctx, units)
}

// IssueMissing repairs active units that never got a certificate.
func (a *Authority) IssueMissing(ctx context.Context, limit int) (int, error) {
	units, err := a.ledger.ActiveWithoutCertificate(ctx, limit)
	if err != nil {
		return 0, err
	}
	return a.issueAll(ctx, units)
}

func (a *Authority) issueAll(ctx context.Context, units []ledger.Unit) (int, error) {
	var errs []error
	issued := 0
	for _, u := range units {
		if _, err := a.Issue(ctx, u.ID, u.Principal); err != nil {
			a.logger.Error("Failed to issue certificate",
				zap.String("unit_id", u.ID.String()),
				zap.String("pool_id", u.PoolID.String()),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		issued++
	}
	return issued, errors.Join(errs...)
}

// HandlePoolReady issues certificates once a pool's units become active.
func (a *Authority) HandlePoolReady(ctx context.Context, e events.Event) error {
	_, err := a.IssueForPool(ctx, e.PoolID)
	return err
}

// Document renders the certificate as a PDF. With an archive configured
// the rendition for the current status is stored once and served from S3
// afterwards.
func (a *Authority) Document(ctx context.Context, number string) ([]byte, error) {
	cert, err := a.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	status := cert.EffectiveStatus(a.now())
	key := documentKey(cert, status)

	if a.archiving() && cert.DocumentKey == key {
		out, err := a.download(ctx, key)
		if err == nil {
			return out, nil
		}
		a.logger.Warn("Failed to load archived certificate document",
			zap.String("certificate_id", cert.ID.String()),
			zap.Error(err))
	}

	out, err := a.render(ctx, cert, status)
	if err != nil {
		return nil, err
	}
	if a.archiving() {
		if err := a.store(ctx, cert, key, out); err != nil {
			a.logger.Warn("Failed to archive certificate document",
				zap.String("certificate_id", cert.ID.String()),
				zap.Error(err))
		}
	}
	return out, nil
}

// DocumentURL returns a presigned link to the archived document for the
// certificate's current status, archiving it first when needed.
func (a *Authority) DocumentURL(ctx context.Context, number string, ttl time.Duration) (string, time.Time, error) {
	if !a.archiving() {
		return "", time.Time{}, ErrArchiveDisabled
	}
	cert, err := a.Get(ctx, number)
	if err != nil {
		return "", time.Time{}, err
	}
	status := cert.EffectiveStatus(a.now())
	key := documentKey(cert, status)

	if cert.DocumentKey != key {
		out, err := a.render(ctx, cert, status)
		if err != nil {
			return "", time.Time{}, err
		}
		if err := a.store(ctx, cert, key, out); err != nil {
			return "", time.Time{}, err
		}
	}
	if ttl <= 0 {
		ttl = a.cfg.LinkTTL
	}
	url, err := a.archive.GetPresignedURL(ctx, a.cfg.ArchiveBucket, key, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return url, a.now().Add(ttl), nil
}

func (a *Authority) archiving() bool {
	return a.archive != nil && a.cfg.ArchiveBucket != ""
}

// documentKey changes with the status so revoked and expired certificates
// get a watermarked rendition.
func documentKey(cert *Certificate, status Status) string {
	return fmt.Sprintf("certificates/%s/%s/%s.pdf", cert.UnitID, cert.ID, status)
}

func (a *Authority) render(ctx context.Context, cert *Certificate, status Status) ([]byte, error) {
	doc := pdf.Document{
		Title:     "Certificate of Insurance",
		Subtitle:  "Pooled commodity trading unit",
		Reference: cert.Number,
		Fields: []pdf.Field{
			{Label: "Insured partner", Value: cert.PartnerName},
			{Label: "Unit", Value: cert.UnitID.String()},
			{Label: "Coverage amount", Value: cert.CoverageAmount.Major()},
			{Label: "Status", Value: string(status)},
			{Label: "Effective date", Value: cert.EffectiveDate.UTC().Format("2006-01-02")},
			{Label: "Expiry date", Value: cert.ExpiryDate.UTC().Format("2006-01-02")},
		},
		Footer:   "Verify this certificate at /api/v1/verify/" + cert.Number,
		IssuedAt: a.now(),
	}
	if status != StatusActive {
		doc.Watermark = string(status)
	}
	return a.renderer.Generate(ctx, doc)
}

func (a *Authority) store(ctx context.Context, cert *Certificate, key string, out []byte) error {
	if err := a.archive.Upload(ctx, a.cfg.ArchiveBucket, key, "application/pdf", bytes.NewReader(out)); err != nil {
		return fmt.Errorf("failed to upload certificate document: %w", err)
	}
	if err := a.db.WithContext(ctx).Model(&Certificate{}).
		Where("id = ?", cert.ID).
		Update("document_key", key).Error; err != nil {
		return err
	}
	cert.DocumentKey = key
	return nil
}

func (a *Authority) download(ctx context.Context, key string) ([]byte, error) {
	body, err := a.archive.Download(ctx, a.cfg.ArchiveBucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}
