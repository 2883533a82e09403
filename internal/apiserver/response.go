package apiserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// 统一响应辅助 (所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func conflict(c *gin.Context, code, message string) {
	c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.Error("internal error", logger.FieldError, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "internal server error"}})
}

// respondError 按错误语义映射状态码。
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		notFound(c, err.Error())
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_input", err.Error())
	case errors.Is(err, apperrors.ErrAdapterDead):
		conflict(c, "adapter_dead", err.Error())
	default:
		serverError(c, err)
	}
}
