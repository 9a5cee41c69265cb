package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/auth"
	"capital-pools/pool-engine/internal/certificates"
	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/database"
	"capital-pools/pool-engine/internal/identity"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	t      *testing.T
	app    *App
	router *gin.Engine
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Pools.DefaultCapacity = 3
	cfg.Cycles.Duration = 50 * time.Millisecond
	cfg.Cycles.LeadTime = 0
	cfg.Cycles.DefaultTargetRate = "0.06"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Scheduler.BatchSize = 10
	cfg.Settlement.InitialBackoff = time.Millisecond

	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	a, err := New(context.Background(), cfg, zap.NewNop(), db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	token, _, err := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer}.
		Sign(auth.Claims{Role: auth.RoleOperator})
	require.NoError(t, err)
	return &harness{t: t, app: a, router: a.Router(), token: token}
}

func (h *harness) do(method, path string, body any, authed bool) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env
}

func TestEndToEnd_PoolLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	directory := identity.NewDBDirectory(h.app.DB)

	var (
		poolID string
		unitID string
	)
	for i := 0; i < 3; i++ {
		partner := &identity.Partner{ID: uuid.New(), DisplayName: "Partner", KYCVerified: true}
		require.NoError(t, directory.Upsert(ctx, partner))

		code, env := h.do(http.MethodPost, "/api/v1/pool/admit", map[string]any{
			"partner_id":    partner.ID,
			"commodity_tag": "maize",
			"principal":     100_000,
			"profit_mode":   "compounding",
		}, true)
		require.Equal(t, http.StatusCreated, code, env.Message)

		var res struct {
			UnitID     string `json:"unit_id"`
			PoolID     string `json:"pool_id"`
			PoolStatus string `json:"pool_status"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &res))
		poolID, unitID = res.PoolID, res.UnitID
		if i == 2 {
			assert.Equal(t, "ready", res.PoolStatus)
		}
	}

	// pool.ready issued certificates and started the first cycle
	var certs []certificates.Certificate
	require.NoError(t, h.app.DB.Find(&certs).Error)
	require.Len(t, certs, 3)

	code, _ := h.do(http.MethodGet, "/api/v1/verify/"+certs[0].Number, nil, false)
	assert.Equal(t, http.StatusOK, code)

	type cycleView struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	code, env := h.do(http.MethodGet, "/api/v1/pool/"+poolID+"/cycles", nil, true)
	require.Equal(t, http.StatusOK, code)
	var list []cycleView
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "active", list[0].Status)

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, h.app.Sweeper.RunOnce(ctx))

	code, env = h.do(http.MethodGet, "/api/v1/cycles/awaiting-completion", nil, true)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), list[0].ID)

	code, env = h.do(http.MethodPost, "/api/v1/cycle/"+list[0].ID+"/complete", map[string]any{
		"sale_price": 318_000, "trading_costs": 0,
	}, true)
	require.Equal(t, http.StatusOK, code, env.Message)
	var done cycleView
	require.NoError(t, json.Unmarshal(env.Data, &done))
	assert.Equal(t, "completed", done.Status)

	code, env = h.do(http.MethodGet, "/api/v1/unit/"+unitID, nil, true)
	require.Equal(t, http.StatusOK, code)
	var unit struct {
		CurrentValue int64 `json:"current_value"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &unit))
	assert.Equal(t, int64(106_000), unit.CurrentValue)

	// auto-reschedule opened the next cycle
	code, env = h.do(http.MethodGet, "/api/v1/pool/"+poolID+"/cycles", nil, true)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)
}

func TestRouter_OperatorRoutesNeedToken(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(http.MethodGet, "/api/v1/pools", nil, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(http.MethodGet, "/api/v1/pools", nil, true)
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodGet, "/api/v1/verify/PC-NOTAREALNUMBER", nil, false)
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, code)
}

func TestSweepTasks_Registered(t *testing.T) {
	h := newHarness(t)
	names := map[string]bool{}
	for _, task := range h.app.SweepTasks() {
		names[task.Name] = true
	}
	for _, want := range []string{
		"activate_due_cycles", "process_due_cycles", "repair_ready_pools",
		"retry_failed_settlements", "expire_certificates", "issue_missing_certificates",
	} {
		assert.True(t, names[want], want)
	}
}
