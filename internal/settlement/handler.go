package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/cycles"
	"capital-pools/pool-engine/internal/httpx"
)

type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler creates a new settlement handler
func NewHandler(engine *Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes mounts the settlement routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/cycle/:id/distribute", h.Distribute)
	rg.GET("/cycle/:id/settlement", h.GetReport)
	rg.GET("/cycle/:id/settlement/export", h.Export)
	rg.GET("/settlements/retry-queue", h.RetryQueue)
}

// Distribute settles a processing cycle from its recorded completion
// request. It is the manual path when settlement was deferred or failed.
func (h *Handler) Distribute(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid cycle id")
		return
	}
	report, err := h.engine.Settle(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, report)
}

// GetReport handles GET /api/v1/cycle/:id/settlement
func (h *Handler) GetReport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid cycle id")
		return
	}
	report, err := h.engine.Report(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, report)
}

// Export handles GET /api/v1/cycle/:id/settlement/export
func (h *Handler) Export(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid cycle id")
		return
	}
	format := Format(c.DefaultQuery("format", string(FormatXLSX)))
	if format != FormatXLSX && format != FormatCSV {
		httpx.Error(c, http.StatusBadRequest, "format must be xlsx or csv")
		return
	}
	report, err := h.engine.Report(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	var buf bytes.Buffer
	if err := Export(&buf, report, format); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="settlement-%s.%s"`, id, format))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// RetryQueue handles GET /api/v1/settlements/retry-queue
func (h *Handler) RetryQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	queue, err := h.engine.RetryQueue(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.OkWithMeta(c, queue, map[string]any{"total": len(queue)})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var (
		se *SettlementError
		te *cycles.TransitionError
	)
	switch {
	case errors.As(err, &se):
		httpx.ErrorWithMeta(c, http.StatusBadGateway, se.Error(), map[string]any{"cycle_id": se.CycleID, "retry_queued": true})
	case errors.As(err, &te):
		httpx.ErrorWithMeta(c, http.StatusConflict, te.Error(), map[string]any{"from": te.From, "to": te.To})
	case errors.Is(err, cycles.ErrRequestNotFound):
		httpx.Error(c, http.StatusConflict, "cycle has no recorded sale figures")
	case errors.Is(err, cycles.ErrCycleNotFound), errors.Is(err, ErrReportNotFound):
		httpx.Error(c, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("Settlement request failed", zap.Error(err))
		httpx.Error(c, http.StatusInternalServerError, "settlement request failed")
	}
}
