package app

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/conflict"
)

type conflictBody struct {
	Code string `json:"code"`
	*conflict.Report
}

// respondError maps the error taxonomy onto HTTP. Unknown errors are logged
// and reported as 500 without detail.
func (a *App) respondError(c *gin.Context, err error) {
	var ce *conflict.Error
	if errors.As(err, &ce) {
		c.JSON(http.StatusConflict, conflictBody{Code: apperr.CodeVersionConflict, Report: ce.Report})
		return
	}

	var e *apperr.Error
	if !errors.As(err, &e) {
		a.Log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": apperr.CodeInternal, "error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindPermission:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindSlotConflict, apperr.KindVersionConflict:
		status = http.StatusConflict
	case apperr.KindTransient:
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
		a.Log.Warn("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
	}
	code := e.Code
	if code == "" {
		code = apperr.CodeInternal
	}
	body := gin.H{"code": code, "error": e.Error()}
	if e.Retryable() {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
