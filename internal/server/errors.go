package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/pulse/internal/analytics"
	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/oauth"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// classifyError maps a service error to an HTTP status and a stable error key.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, platform.ErrUnauthenticated), errors.Is(err, platform.ErrAuthExpired):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, platform.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, analytics.ErrInvalidRange), errors.Is(err, calendar.ErrInvalidDay):
		return http.StatusBadRequest, "invalid_range"
	case errors.Is(err, history.ErrInvalidOverride):
		return http.StatusBadRequest, "invalid_override"
	case errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, catalog.ErrPostNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, analytics.ErrNoSummarizer):
		return http.StatusNotImplemented, "summarizer_unavailable"
	case errors.Is(err, platform.ErrTransientNetwork),
		errors.Is(err, platform.ErrProviderPermanent),
		errors.Is(err, platform.ErrReconciliationGap):
		return http.StatusBadGateway, "provider_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, key := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Info(message, zap.String("error_key", key), zap.Error(err))
	}
	setRetryAfter(c, err)
	c.JSON(status, gin.H{"error": key, "code": apperrors.CodeOf(err)})
}

func setRetryAfter(c *gin.Context, err error) {
	if retryAfter := platform.RetryAfterOf(err); retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
}
