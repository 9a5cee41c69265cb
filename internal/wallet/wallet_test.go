package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capital-pools/pool-engine/internal/database"
)

func TestDBWallet_Idempotent(t *testing.T) {
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))
	w := NewDBWallet(db)
	ctx := context.Background()

	req := CreditRequest{IdempotencyKey: "settlement:c:u", PartnerID: uuid.New(), Amount: 6_000, Reference: "cycle:c"}
	first, err := w.Credit(ctx, req)
	require.NoError(t, err)
	second, err := w.Credit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	credits, err := w.CreditsByReference(ctx, "cycle:c")
	require.NoError(t, err)
	assert.Len(t, credits, 1)

	req.Amount = 7_000
	_, err = w.Credit(ctx, req)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	_, err = w.Credit(ctx, CreditRequest{IdempotencyKey: "k", Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidCredit)
}

func TestHTTPWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/credits", r.URL.Path)
		var req CreditRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, req.IdempotencyKey, r.Header.Get("Idempotency-Key"))
		if req.Amount > 1_000_000 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Receipt{ID: uuid.New(), IdempotencyKey: req.IdempotencyKey, Amount: req.Amount})
	}))
	defer srv.Close()

	w := NewHTTPWallet(srv.Client(), srv.URL, "")
	ctx := context.Background()

	rec, err := w.Credit(ctx, CreditRequest{IdempotencyKey: "a", PartnerID: uuid.New(), Amount: 6_000})
	require.NoError(t, err)
	assert.EqualValues(t, 6_000, rec.Amount)

	_, err = w.Credit(ctx, CreditRequest{IdempotencyKey: "b", PartnerID: uuid.New(), Amount: 2_000_000})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Retryable())
}
