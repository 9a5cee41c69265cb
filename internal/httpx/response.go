package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Ok writes a 200 envelope
func Ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "ok", Data: data})
}

func OkWithMeta(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "ok", Data: data, Meta: meta})
}

// Created writes a 201 envelope
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, apiResponse{Code: 0, Message: "created", Data: data})
}

func Accepted(c *gin.Context, message string, data any) {
	c.JSON(http.StatusAccepted, apiResponse{Code: 0, Message: message, Data: data})
}

// Error aborts with an error envelope
func Error(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, apiResponse{Code: status, Message: message})
}

func ErrorWithMeta(c *gin.Context, status int, message string, meta map[string]any) {
	c.AbortWithStatusJSON(status, apiResponse{Code: status, Message: message, Meta: meta})
}
