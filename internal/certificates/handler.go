package certificates

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/httpx"
)

type Handler struct {
	authority *Authority
	logger    *zap.Logger
}

// NewHandler creates a new certificates handler
func NewHandler(authority *Authority, logger *zap.Logger) *Handler {
	return &Handler{authority: authority, logger: logger}
}

// RegisterPublicRoutes mounts the unauthenticated verification endpoint
// behind the given middleware (normally a rate limiter).
func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup, middleware ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, middleware...), h.Verify)
	rg.GET("/verify/:number", handlers...)
}

// RegisterRoutes mounts the operator certificate routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	certs := rg.Group("/certificate")
	{
		certs.GET("/:number", h.Get)
		certs.POST("/:number/revoke", h.Revoke)
		certs.GET("/:number/document", h.Document)
		certs.GET("/:number/document/link", h.DocumentLink)
	}
}

// Verify always answers 200 with the same schema.
func (h *Handler) Verify(c *gin.Context) {
	result := h.authority.Verify(c.Request.Context(), c.Param("number"))
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, result)
}

// Get handles GET /api/v1/certificate/:number
func (h *Handler) Get(c *gin.Context) {
	cert, err := h.authority.Get(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, cert)
}

type revokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Revoke handles POST /api/v1/certificate/:number/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Error(c, http.StatusBadRequest, "reason is required")
		return
	}
	cert, err := h.authority.Revoke(c.Request.Context(), c.Param("number"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, cert)
}

// Document handles GET /api/v1/certificate/:number/document
func (h *Handler) Document(c *gin.Context) {
	out, err := h.authority.Document(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `inline; filename="certificate.pdf"`)
	c.Data(http.StatusOK, "application/pdf", out)
}

// DocumentLink returns a presigned download link for the archived PDF.
func (h *Handler) DocumentLink(c *gin.Context) {
	var ttl time.Duration
	if raw := c.Query("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 7*24*time.Hour {
			httpx.Error(c, http.StatusBadRequest, "ttl must be a duration up to 168h")
			return
		}
		ttl = d
	}
	url, expiresAt, err := h.authority.DocumentURL(c.Request.Context(), c.Param("number"), ttl)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpx.Ok(c, gin.H{"url": url, "expires_at": expiresAt})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, ErrCertificateNotFound) {
		httpx.Error(c, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, ErrArchiveDisabled) {
		httpx.Error(c, http.StatusNotImplemented, err.Error())
		return
	}
	h.logger.Error("Certificate request failed", zap.Error(err))
	httpx.Error(c, http.StatusInternalServerError, "certificate request failed")
}
