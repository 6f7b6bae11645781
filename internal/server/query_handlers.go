package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/pulse/internal/analytics"
	"github.com/MarcoPoloResearchLab/pulse/internal/calendar"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
	"github.com/MarcoPoloResearchLab/pulse/internal/history"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/gin-gonic/gin"
)

const (
	defaultWeeklySpanWeeks   = 12
	defaultMonthlySpanMonths = 12
)

func (h *httpHandler) handleListPosts(c *gin.Context) {
	filter := catalog.Filter{UserID: c.GetString(userIDContextKey)}
	if raw := strings.TrimSpace(c.Query("platform")); raw != "" {
		p, err := platform.ParsePlatform(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_platform"})
			return
		}
		filter.Platform = p
	}
	if raw := strings.TrimSpace(c.Query("content_type")); raw != "" {
		filter.ContentType = platform.ContentType(raw)
	}
	filter.ReferenceOnly = c.Query("reference") == "true"
	filter.OrderByViews = c.Query("order") == "views"
	limit, err := optionalInt(c.Query("limit"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	filter.Limit = limit

	posts, err := h.catalog.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "failed to list posts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

func parsePostID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
		return 0, false
	}
	return uint(id), true
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	id, ok := parsePostID(c)
	if !ok {
		return
	}
	if err := h.catalog.Delete(c.Request.Context(), c.GetString(userIDContextKey), id); err != nil {
		h.respondError(c, "failed to delete post", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleToggleReference(c *gin.Context) {
	id, ok := parsePostID(c)
	if !ok {
		return
	}
	flagged, err := h.catalog.ToggleReference(c.Request.Context(), c.GetString(userIDContextKey), id)
	if err != nil {
		h.respondError(c, "failed to toggle reference", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_reference": flagged})
}

// rangeFromQuery overrides the bounds of fallback with start_date and end_date when present.
func rangeFromQuery(c *gin.Context, fallback analytics.Range) (analytics.Range, error) {
	r := fallback
	if raw := strings.TrimSpace(c.Query("start_date")); raw != "" {
		start, err := calendar.ParseDay(raw)
		if err != nil {
			return analytics.Range{}, err
		}
		r.Start = start
	}
	if raw := strings.TrimSpace(c.Query("end_date")); raw != "" {
		end, err := calendar.ParseDay(raw)
		if err != nil {
			return analytics.Range{}, err
		}
		r.End = end
	}
	return r, nil
}

func (h *httpHandler) weeklyDefault() analytics.Range {
	today := h.analytics.Today()
	return analytics.Range{Start: today.WeekStart().AddDays(-7 * (defaultWeeklySpanWeeks - 1)), End: today}
}

func (h *httpHandler) monthlyDefault() analytics.Range {
	today := h.analytics.Today()
	start := calendar.NewDay(today.Year(), today.Month()-(defaultMonthlySpanMonths-1), 1)
	return analytics.Range{Start: start, End: today}
}

func (h *httpHandler) handleDailyGrowth(c *gin.Context) {
	r, err := rangeFromQuery(c, h.analytics.DefaultDailyRange())
	if err != nil {
		h.respondError(c, "invalid daily range", err)
		return
	}
	points, err := h.analytics.DailyGrowth(c.Request.Context(), c.GetString(userIDContextKey), r)
	if err != nil {
		h.respondError(c, "failed to build daily growth", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": r, "series": points})
}

func (h *httpHandler) handleWeeklyGrowth(c *gin.Context) {
	r, err := rangeFromQuery(c, h.weeklyDefault())
	if err != nil {
		h.respondError(c, "invalid weekly range", err)
		return
	}
	points, err := h.analytics.WeeklyGrowth(c.Request.Context(), c.GetString(userIDContextKey), r)
	if err != nil {
		h.respondError(c, "failed to build weekly growth", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": r, "series": points})
}

func (h *httpHandler) handleMonthlyGrowth(c *gin.Context) {
	r, err := rangeFromQuery(c, h.monthlyDefault())
	if err != nil {
		h.respondError(c, "invalid monthly range", err)
		return
	}
	points, err := h.analytics.MonthlyGrowth(c.Request.Context(), c.GetString(userIDContextKey), r)
	if err != nil {
		h.respondError(c, "failed to build monthly growth", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": r, "series": points})
}

func (h *httpHandler) handleAudience(c *gin.Context) {
	audience, err := h.analytics.Audience(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "failed to build audience", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"platforms": audience})
}

func (h *httpHandler) handleEfficiency(c *gin.Context) {
	r, err := rangeFromQuery(c, h.analytics.DefaultDailyRange())
	if err != nil {
		h.respondError(c, "invalid efficiency range", err)
		return
	}
	efficiency, err := h.analytics.Efficiency(c.Request.Context(), c.GetString(userIDContextKey), r)
	if err != nil {
		h.respondError(c, "failed to build efficiency", err)
		return
	}
	c.JSON(http.StatusOK, efficiency)
}

// handleMissingDays lists the days before today, within the lookback window, that have no
// snapshot or only a provisional one.
func (h *httpHandler) handleMissingDays(c *gin.Context) {
	platforms := platform.All
	if raw := strings.TrimSpace(c.Query("platform")); raw != "" {
		p, err := platform.ParsePlatform(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_platform"})
			return
		}
		platforms = []platform.Platform{p}
	}
	today := h.analytics.Today()
	from, to := today.AddDays(-h.lookback), today.AddDays(-1)

	days := make([]history.MissingDay, 0)
	for _, p := range platforms {
		missing, err := h.history.MissingDays(c.Request.Context(), c.GetString(userIDContextKey), p, from, to)
		if err != nil {
			h.respondError(c, "failed to list missing days", err)
			return
		}
		days = append(days, missing...)
	}
	c.JSON(http.StatusOK, gin.H{"days": days})
}

type manualUpdatePayload struct {
	Date         string `json:"date"`
	Platform     string `json:"platform"`
	Count        int64  `json:"count"`
	Views        int64  `json:"views"`
	Likes        int64  `json:"likes"`
	Comments     int64  `json:"comments"`
	Shares       int64  `json:"shares"`
	ProfileViews int64  `json:"profile_views"`
	IsFinal      bool   `json:"is_final"`
}

// handleManualUpdate validates every entry, then stores them all in one transaction.
func (h *httpHandler) handleManualUpdate(c *gin.Context) {
	var request []manualUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)

	overrides := make([]history.ManualOverride, 0, len(request))
	for index, entry := range request {
		day, err := calendar.ParseDay(entry.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_override", "index": index})
			return
		}
		p, err := platform.ParsePlatform(entry.Platform)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_override", "index": index})
			return
		}
		if entry.Count < 0 || entry.Views < 0 || entry.Likes < 0 || entry.Comments < 0 || entry.Shares < 0 || entry.ProfileViews < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_override", "index": index})
			return
		}
		overrides = append(overrides, history.ManualOverride{
			UserID:       userID,
			Platform:     p,
			Day:          day,
			Count:        entry.Count,
			Views:        entry.Views,
			Likes:        entry.Likes,
			Comments:     entry.Comments,
			Shares:       entry.Shares,
			ProfileViews: entry.ProfileViews,
			IsFinal:      entry.IsFinal,
		})
	}

	snapshots, err := h.history.ApplyManualBatch(c.Request.Context(), overrides)
	if err != nil {
		h.respondError(c, "failed to apply manual overrides", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(snapshots), "snapshots": snapshots})
}

func (h *httpHandler) handleInsightPayload(c *gin.Context) {
	r, err := rangeFromQuery(c, h.analytics.DefaultDailyRange())
	if err != nil {
		h.respondError(c, "invalid insight range", err)
		return
	}
	payload, err := h.analytics.InsightPayload(c.Request.Context(), c.GetString(userIDContextKey), r)
	if err != nil {
		h.respondError(c, "failed to build insight payload", err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleInsights(c *gin.Context) {
	r, err := rangeFromQuery(c, h.analytics.DefaultDailyRange())
	if err != nil {
		h.respondError(c, "invalid insight range", err)
		return
	}
	insight, err := h.analytics.Summarize(c.Request.Context(), h.summarizer, c.GetString(userIDContextKey), r)
	if err != nil {
		h.respondError(c, "failed to summarize insights", err)
		return
	}
	c.JSON(http.StatusOK, insight)
}
