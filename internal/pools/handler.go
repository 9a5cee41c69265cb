package pools

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/httpx"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/pkg/money"
)

type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a new pools handler
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the pool routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/pool/admit", h.Admit)
	rg.GET("/pool/:id", h.GetPool)
	rg.GET("/pools", h.ListPools)
}

type admitBody struct {
	PartnerID    string `json:"partner_id" binding:"required"`
	PoolID       string `json:"pool_id"`
	CommodityTag string `json:"commodity_tag"`
	Principal    int64  `json:"principal"`
	ProfitMode   string `json:"profit_mode" binding:"required"`
}

// Admit handles POST /api/v1/pool/admit
func (h *Handler) Admit(c *gin.Context) {
	var body admitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	partnerID, err := uuid.Parse(body.PartnerID)
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid partner_id")
		return
	}
	req := AdmitRequest{
		PartnerID:    partnerID,
		CommodityTag: body.CommodityTag,
		Principal:    money.Money(body.Principal),
		ProfitMode:   ledger.ProfitMode(body.ProfitMode),
	}
	if body.PoolID != "" {
		poolID, err := uuid.Parse(body.PoolID)
		if err != nil {
			httpx.Error(c, http.StatusBadRequest, "invalid pool_id")
			return
		}
		req.PoolID = &poolID
	}

	res, err := h.manager.AdmitUnit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Created(c, res)
}

type poolResponse struct {
	*Pool
	Units []ledger.Unit `json:"units"`
}

// GetPool handles GET /api/v1/pool/:id
func (h *Handler) GetPool(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid pool id")
		return
	}
	pool, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	units, err := h.manager.Units(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, poolResponse{Pool: pool, Units: units})
}

// ListPools handles GET /api/v1/pools
func (h *Handler) ListPools(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	pools, total, err := h.manager.List(c.Request.Context(), ListFilter{
		Status:       Status(c.Query("status")),
		CommodityTag: c.Query("commodity_tag"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.OkWithMeta(c, pools, map[string]any{"total": total, "limit": limit, "offset": offset})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var ae *AdmissionError
	switch {
	case errors.As(err, &ae):
		status := http.StatusConflict
		if ae.Kind == KindInvalidUnit || ae.Kind == KindKYCRequired {
			status = http.StatusUnprocessableEntity
		}
		httpx.ErrorWithMeta(c, status, ae.Error(), map[string]any{"kind": ae.Kind, "retryable": ae.Retryable()})
	case errors.Is(err, ErrPoolNotFound):
		httpx.Error(c, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("Pool request failed", zap.Error(err))
		httpx.Error(c, http.StatusInternalServerError, "pool request failed")
	}
}
