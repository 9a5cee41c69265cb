package certificates

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/database"
	"capital-pools/pool-engine/internal/events"
	"capital-pools/pool-engine/internal/identity"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/pkg/money"
	"capital-pools/pool-engine/pkg/pdf"
)

// MockS3Client is a mock implementation of storage.S3Client
type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	args := m.Called(ctx, bucket, key, contentType, body)
	return args.Error(0)
}

func (m *MockS3Client) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, bucket, key)
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockS3Client) GetPresignedURL(ctx context.Context, bucket, key string, expiration time.Duration) (string, error) {
	args := m.Called(ctx, bucket, key, expiration)
	return args.String(0), args.Error(1)
}

type fixture struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	partners  *identity.DBDirectory
	authority *Authority
	now       time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	models := append(ledger.Models(), Models()...)
	models = append(models, identity.Models()...)
	require.NoError(t, db.AutoMigrate(models...))
	t.Cleanup(func() { _ = database.Close(db) })

	f := &fixture{
		db:       db,
		ledger:   ledger.New(db, zap.NewNop()),
		partners: identity.NewDBDirectory(db),
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.authority = NewAuthority(db, f.ledger, f.partners, events.Nop{}, pdf.NewGenerator(),
		Config{Term: 30 * 24 * time.Hour, ArchiveBucket: "certs"}, zap.NewNop(), opts...)
	return f
}

func (f *fixture) activeUnit(t *testing.T, principal money.Money) *ledger.Unit {
	t.Helper()
	ctx := context.Background()
	partnerID := uuid.New()
	require.NoError(t, f.partners.Upsert(ctx, &identity.Partner{ID: partnerID, DisplayName: "Amina Grain Co"}))
	u := &ledger.Unit{PartnerID: partnerID, PoolID: uuid.New(), Slot: 1, Principal: principal, ProfitMode: ledger.ModeCompounding, Status: ledger.UnitActive}
	_, err := f.ledger.Admit(ctx, u)
	require.NoError(t, err)
	return u
}

func TestNumberFormat(t *testing.T) {
	n, err := newNumber(bytes.NewReader(make([]byte, 16)))
	require.NoError(t, err)
	assert.Equal(t, decoyNumber, n)
	assert.Len(t, n, NumberLength)

	n, err = newNumber(defaultRand)
	require.NoError(t, err)
	norm, ok := normalizeNumber(strings.ToLower(n))
	assert.True(t, ok)
	assert.Equal(t, n, norm)

	for _, bad := range []string{"", "PC-", "PC-123", "XX-" + n[3:], n + "A", "PC-AAAAAAAAAAAAAAAAAAAAAAAAA1", "PC-AAAAAAAAAAAAAAAAAAAAAAAAAB"} {
		_, ok := normalizeNumber(bad)
		assert.False(t, ok, bad)
	}
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUnit(t, 100_000)

	number, err := f.authority.Issue(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(number, "PC-"))
	assert.Len(t, number, NumberLength)

	again, err := f.authority.Issue(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, number, again)

	cert, err := f.authority.Get(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, money.Money(100_000), cert.CoverageAmount)
	assert.Equal(t, "Amina Grain Co", cert.PartnerName)
	assert.True(t, f.now.Add(30*24*time.Hour).Equal(cert.ExpiryDate))

	unit, err := f.ledger.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, unit.CertificateID)
	assert.Equal(t, cert.ID, *unit.CertificateID)

	_, err = f.authority.Issue(ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, ledger.ErrUnitNotFound)
}

func TestIssue_UnknownPartner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := &ledger.Unit{PartnerID: uuid.New(), PoolID: uuid.New(), Principal: 10, ProfitMode: ledger.ModePayout}
	_, err := f.ledger.Admit(ctx, u)
	require.NoError(t, err)

	_, err = f.authority.Issue(ctx, u.ID, 0)
	assert.ErrorIs(t, err, identity.ErrPartnerNotFound)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUnit(t, 250_000)
	number, err := f.authority.Issue(ctx, u.ID, 0)
	require.NoError(t, err)

	res := f.authority.Verify(ctx, strings.ToLower(number))
	require.True(t, res.IsAuthentic)
	assert.Equal(t, "Amina Grain Co", *res.PartnerName)
	assert.Equal(t, money.Money(250_000), *res.CoverageAmount)
	assert.Equal(t, StatusActive, *res.Status)

	// past expiry reads as expired before the sweep runs
	f.now = f.now.Add(31 * 24 * time.Hour)
	res = f.authority.Verify(ctx, number)
	assert.True(t, res.IsAuthentic)
	assert.Equal(t, StatusExpired, *res.Status)
}

func TestVerify_ConstantShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown, err := newNumber(defaultRand)
	require.NoError(t, err)

	inputs := []string{unknown, "not-a-number", "", decoyNumber, strings.Repeat("Z", 500)}
	var bodies []string
	for _, in := range inputs {
		res := f.authority.Verify(ctx, in)
		assert.False(t, res.IsAuthentic)
		b, err := json.Marshal(res)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
	}
	for _, b := range bodies {
		assert.JSONEq(t, `{"is_authentic":false}`, b)
	}
}

func TestVerify_InternalFaultDegrades(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Migrator().DropTable(&Certificate{}))

	res := f.authority.Verify(context.Background(), decoyNumber)
	assert.Equal(t, VerificationResult{}, res)
}

func TestRevokeAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.activeUnit(t, 1_000)
	b := f.activeUnit(t, 2_000)
	numA, err := f.authority.Issue(ctx, a.ID, 0)
	require.NoError(t, err)
	numB, err := f.authority.Issue(ctx, b.ID, 0)
	require.NoError(t, err)

	cert, err := f.authority.Revoke(ctx, numA, "fraud review")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, cert.Status)
	assert.Equal(t, "fraud review", cert.RevocationReason)

	cert, err = f.authority.Revoke(ctx, numA, "again")
	require.NoError(t, err)
	assert.Equal(t, "fraud review", cert.RevocationReason)

	n, err := f.authority.ExpireDue(ctx, f.now.Add(60*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	res := f.authority.Verify(ctx, numA)
	assert.True(t, res.IsAuthentic)
	assert.Equal(t, StatusRevoked, *res.Status)

	res = f.authority.Verify(ctx, numB)
	assert.True(t, res.IsAuthentic)
	assert.Equal(t, StatusExpired, *res.Status)

	_, err = f.authority.Revoke(ctx, "PC-nope", "x")
	assert.ErrorIs(t, err, ErrCertificateNotFound)

	// an expired certificate can still be revoked
	cert, err = f.authority.Revoke(ctx, numB, "closed")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, cert.Status)
}

func TestIssueMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUnit(t, 1_000)
	f.activeUnit(t, 1_000)

	issued, err := f.authority.IssueMissing(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, issued)

	issued, err = f.authority.IssueMissing(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, issued)
}

func TestDocument_Archives(t *testing.T) {
	store := new(MockS3Client)
	f := newFixture(t, WithArchive(store))
	ctx := context.Background()
	u := f.activeUnit(t, 5_000)
	number, err := f.authority.Issue(ctx, u.ID, 0)
	require.NoError(t, err)

	store.On("Upload", mock.Anything, "certs", mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "certificates/"+u.ID.String()) && strings.HasSuffix(key, "/active.pdf")
	}), "application/pdf", mock.Anything).Return(nil).Once()

	out, err := f.authority.Document(ctx, number)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))

	cert, err := f.authority.Get(ctx, number)
	require.NoError(t, err)
	require.NotEmpty(t, cert.DocumentKey)

	// the stored rendition is served from the archive
	store.On("Download", mock.Anything, "certs", cert.DocumentKey).
		Return(io.NopCloser(strings.NewReader("%PDF-archived")), nil).Once()
	out, err = f.authority.Document(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-archived", string(out))

	store.On("GetPresignedURL", mock.Anything, "certs", cert.DocumentKey, 15*time.Minute).
		Return("https://certs.example/signed", nil).Once()
	url, expiresAt, err := f.authority.DocumentURL(ctx, number, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://certs.example/signed", url)
	assert.True(t, expiresAt.Equal(f.now.Add(15*time.Minute)))
	store.AssertExpectations(t)
}

func TestDocument_RevokedRenditionReplacesArchive(t *testing.T) {
	store := new(MockS3Client)
	f := newFixture(t, WithArchive(store))
	ctx := context.Background()
	u := f.activeUnit(t, 5_000)
	number, err := f.authority.Issue(ctx, u.ID, 0)
	require.NoError(t, err)

	store.On("Upload", mock.Anything, "certs", mock.Anything, "application/pdf", mock.Anything).Return(nil).Twice()
	_, err = f.authority.Document(ctx, number)
	require.NoError(t, err)

	_, err = f.authority.Revoke(ctx, number, "lapsed premium")
	require.NoError(t, err)

	store.On("GetPresignedURL", mock.Anything, "certs", mock.MatchedBy(func(key string) bool {
		return strings.HasSuffix(key, "/revoked.pdf")
	}), time.Hour).Return("https://certs.example/revoked", nil).Once()
	url, _, err := f.authority.DocumentURL(ctx, number, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://certs.example/revoked", url)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Download", mock.Anything, mock.Anything, mock.Anything)
}

func TestDocumentURL_WithoutArchive(t *testing.T) {
	f := newFixture(t)
	u := f.activeUnit(t, 5_000)
	number, err := f.authority.Issue(context.Background(), u.ID, 0)
	require.NoError(t, err)

	_, _, err = f.authority.DocumentURL(context.Background(), number, 0)
	assert.ErrorIs(t, err, ErrArchiveDisabled)
}

func TestHandler_Verify(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	u := f.activeUnit(t, 100_000)
	number, err := f.authority.Issue(context.Background(), u.ID, 0)
	require.NoError(t, err)

	r := gin.New()
	h := NewHandler(f.authority, zap.NewNop())
	api := r.Group("/api/v1")
	h.RegisterPublicRoutes(api)
	h.RegisterRoutes(api)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/api/v1/verify/" + number)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["is_authentic"])
	assert.EqualValues(t, 100_000, body["coverage_amount"])

	malformed := get("/api/v1/verify/garbage")
	unknown := get("/api/v1/verify/" + decoyNumber)
	assert.Equal(t, http.StatusOK, malformed.Code)
	assert.Equal(t, malformed.Body.String(), unknown.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/certificate/"+number+"/revoke", strings.NewReader(`{"reason":"lapsed premium"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = get("/api/v1/certificate/" + number + "/document")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))

	w = get("/api/v1/certificate/" + number + "/document/link")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	w = get("/api/v1/certificate/" + number + "/document/link?ttl=forever")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
