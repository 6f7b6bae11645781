package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/syncer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleSync(c *gin.Context) {
	p, ok := h.parsePlatform(c)
	if !ok {
		return
	}
	userID := c.GetString(userIDContextKey)

	summary, err := h.syncer.Sync(c.Request.Context(), userID, p)
	if err != nil {
		status, key := classifyError(err)
		h.logger.Warn("sync failed", zap.String("platform", p.String()), zap.String("error_key", key), zap.Error(err))
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		setRetryAfter(c, err)
		c.JSON(status, gin.H{"error": key, "code": apperrors.CodeOf(err), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

type syncAllResponsePayload struct {
	Results []syncer.Summary `json:"results"`
	Failed  int              `json:"failed"`
}

// handleSyncAll answers 200 while any platform synced; it uses the first failure's status when
// every platform failed.
func (h *httpHandler) handleSyncAll(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	summaries, err := h.syncer.SyncAll(c.Request.Context(), userID, nil)

	response := syncAllResponsePayload{Results: summaries}
	for _, summary := range summaries {
		if summary.Outcome == syncer.OutcomeFailed {
			response.Failed++
		}
	}
	if err != nil {
		h.logger.Warn("sync all finished with failures", zap.Int("failed", response.Failed), zap.Error(err))
		if response.Failed == len(summaries) {
			status, _ := classifyError(err)
			if status == http.StatusInternalServerError {
				status = http.StatusBadGateway
			}
			c.JSON(status, response)
			return
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncRuns(c *gin.Context) {
	if h.runs == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []syncer.SyncRun{}})
		return
	}
	limit, err := optionalInt(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	runs, err := h.runs.List(c.Request.Context(), c.GetString(userIDContextKey), limit)
	if err != nil {
		h.respondError(c, "failed to list sync runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
