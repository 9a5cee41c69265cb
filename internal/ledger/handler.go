package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/httpx"
)

type Handler struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *zap.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/unit/:id", h.GetUnit)
}

type unitResponse struct {
	*Unit
	Entries []Entry `json:"entries"`
}

// GetUnit handles GET /api/v1/unit/:id
func (h *Handler) GetUnit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid unit id")
		return
	}

	unit, err := h.ledger.GetUnit(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrUnitNotFound) {
			httpx.Error(c, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("Failed to load unit", zap.String("unit_id", id.String()), zap.Error(err))
		httpx.Error(c, http.StatusInternalServerError, "failed to load unit")
		return
	}

	entries, err := h.ledger.Entries(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load ledger entries", zap.String("unit_id", id.String()), zap.Error(err))
		httpx.Error(c, http.StatusInternalServerError, "failed to load unit")
		return
	}

	httpx.Ok(c, unitResponse{Unit: unit, Entries: entries})
}
