package commodity

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/httpx"
	"capital-pools/pool-engine/pkg/money"
)

type Handler struct {
	registry *Registry
	logger   *zap.Logger
}

// NewHandler creates a new commodity handler
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes mounts the commodity backing routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	c := rg.Group("/commodity")
	{
		c.GET("/backings", h.List)
		c.GET("/backing/:id", h.Get)
		c.PUT("/backing/:id/price", h.UpdatePrice)
		c.PUT("/backing/:id/location", h.UpdateLocation)
	}
}

// List handles GET /api/v1/commodity/backings
func (h *Handler) List(c *gin.Context) {
	poolID, err := uuid.Parse(c.Query("pool_id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "pool_id is required")
		return
	}
	out, err := h.registry.ListByPool(c.Request.Context(), poolID)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, out)
}

// Get handles GET /api/v1/commodity/backing/:id
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid id")
		return
	}
	b, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, b)
}

type priceBody struct {
	PricePerUnit int64 `json:"price_per_unit" binding:"required"`
}

// UpdatePrice handles PUT /api/v1/commodity/backing/:id/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid id")
		return
	}
	var body priceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpx.Error(c, http.StatusBadRequest, "price_per_unit is required")
		return
	}
	b, err := h.registry.UpdatePrice(c.Request.Context(), id, money.Money(body.PricePerUnit))
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, b)
}

type locationBody struct {
	GeoJSON string `json:"geojson" binding:"required"`
}

// UpdateLocation handles PUT /api/v1/commodity/backing/:id/location
func (h *Handler) UpdateLocation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.Error(c, http.StatusBadRequest, "invalid id")
		return
	}
	var body locationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpx.Error(c, http.StatusBadRequest, "geojson is required")
		return
	}
	b, err := h.registry.SetLocation(c.Request.Context(), id, body.GeoJSON)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, b)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBackingNotFound):
		httpx.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidPrice):
		httpx.Error(c, http.StatusUnprocessableEntity, err.Error())
	default:
		status, msg := http.StatusInternalServerError, "commodity request failed"
		if isGeoError(err) {
			status, msg = http.StatusUnprocessableEntity, err.Error()
		} else {
			h.logger.Error("Commodity request failed", zap.Error(err))
		}
		httpx.Error(c, status, msg)
	}
}
