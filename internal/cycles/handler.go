package cycles

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/httpx"
	"capital-pools/pool-engine/internal/pools"
	"capital-pools/pool-engine/pkg/money"
)

type Handler struct {
	scheduler *Scheduler
	logger    *zap.Logger
}

// NewHandler creates a new cycles handler
func NewHandler(scheduler *Scheduler, logger *zap.Logger) *Handler {
	return &Handler{scheduler: scheduler, logger: logger}
}

// RegisterRoutes mounts the cycle routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/cycle/:id", h.GetCycle)
	rg.POST("/cycle/:id/complete", h.Complete)
	rg.POST("/pool/:id/cycles", h.Schedule)
	rg.GET("/pool/:id/cycles", h.ListForPool)
	rg.GET("/cycles/awaiting-completion", h.AwaitingCompletion)
}

// GetCycle handles GET /api/v1/cycle/:id
func (h *Handler) GetCycle(c *gin.Context) {
	id, ok := parseID(c, "invalid cycle id")
	if !ok {
		return
	}
	cycle, err := h.scheduler.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, cycle)
}

type completeBody struct {
	SalePrice    *int64 `json:"sale_price" binding:"required"`
	TradingCosts int64  `json:"trading_costs"`
}

// Complete answers 200 once settled and 202 when settlement is deferred.
func (h *Handler) Complete(c *gin.Context) {
	id, ok := parseID(c, "invalid cycle id")
	if !ok {
		return
	}
	var body completeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	cycle, err := h.scheduler.Complete(c.Request.Context(), id, money.Money(*body.SalePrice), money.Money(body.TradingCosts))
	if err != nil {
		h.fail(c, err)
		return
	}
	if cycle.Status != StatusCompleted {
		httpx.Accepted(c, "completion recorded", cycle)
		return
	}
	httpx.Ok(c, cycle)
}

type scheduleBody struct {
	StartDate        *time.Time       `json:"start_date"`
	TargetProfitRate *decimal.Decimal `json:"target_profit_rate"`
	PurchasePrice    *int64           `json:"purchase_price"`
}

// Schedule handles POST /api/v1/pool/:id/cycles
func (h *Handler) Schedule(c *gin.Context) {
	poolID, ok := parseID(c, "invalid pool id")
	if !ok {
		return
	}
	var body scheduleBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			httpx.Error(c, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}
	opts := ScheduleOptions{StartDate: body.StartDate, TargetProfitRate: body.TargetProfitRate, RequireNew: true}
	if body.PurchasePrice != nil {
		p := money.Money(*body.PurchasePrice)
		opts.PurchasePrice = &p
	}

	cycle, err := h.scheduler.ScheduleForPool(c.Request.Context(), poolID, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Created(c, cycle)
}

// ListForPool handles GET /api/v1/pool/:id/cycles
func (h *Handler) ListForPool(c *gin.Context) {
	poolID, ok := parseID(c, "invalid pool id")
	if !ok {
		return
	}
	list, err := h.scheduler.ListByPool(c.Request.Context(), poolID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if raw := c.Query("status"); raw != "" {
		st, ok := parseStatus(raw)
		if !ok {
			httpx.Error(c, http.StatusBadRequest, "invalid status filter")
			return
		}
		filtered := list[:0]
		for _, cy := range list {
			if cy.Status == st {
				filtered = append(filtered, cy)
			}
		}
		list = filtered
	}
	httpx.OkWithMeta(c, list, map[string]any{"total": len(list)})
}

// AwaitingCompletion handles GET /api/v1/cycles/awaiting-completion
func (h *Handler) AwaitingCompletion(c *gin.Context) {
	list, err := h.scheduler.AwaitingCompletion(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.OkWithMeta(c, list, map[string]any{"total": len(list)})
}

func parseID(c *gin.Context, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, msg)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	var (
		te *TransitionError
		oe *OpenCycleError
	)
	switch {
	case errors.As(err, &te):
		httpx.ErrorWithMeta(c, http.StatusConflict, te.Error(), map[string]any{"from": te.From, "to": te.To})
	case errors.As(err, &oe):
		httpx.ErrorWithMeta(c, http.StatusConflict, oe.Error(), map[string]any{"cycle_id": oe.CycleID, "status": oe.Status})
	case errors.Is(err, ErrCycleNotFound), errors.Is(err, pools.ErrPoolNotFound):
		httpx.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPoolNotReady), errors.Is(err, ErrMaxCyclesReached), errors.Is(err, ErrNoParticipants):
		httpx.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCompletion), errors.Is(err, ErrInvalidSchedule):
		httpx.Error(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrSettlementFailed):
		h.logger.Warn("Settlement failed during completion", zap.Error(err))
		httpx.Error(c, http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrSettlerUnavailable):
		httpx.Error(c, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Cycle request failed", zap.Error(err))
		httpx.Error(c, http.StatusInternalServerError, "cycle request failed")
	}
}
