package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) flowFor(c *gin.Context) (platform.Platform, AuthFlow, bool) {
	p, ok := h.parsePlatform(c)
	if !ok {
		return "", nil, false
	}
	flow, ok := h.flows[p]
	if !ok || flow == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "platform_not_configured"})
		return "", nil, false
	}
	return p, flow, true
}

// handleAuthLogin redirects to the provider consent page. The optional callback query value is
// where the browser lands after the handshake.
func (h *httpHandler) handleAuthLogin(c *gin.Context) {
	p, flow, ok := h.flowFor(c)
	if !ok {
		return
	}
	target, err := flow.AuthorizationURL(h.userID, strings.TrimSpace(c.Query("callback")))
	if err != nil {
		h.logger.Error("failed to build authorization url", zap.String("platform", p.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
		return
	}
	c.Redirect(http.StatusFound, target)
}

func (h *httpHandler) handleAuthCallback(c *gin.Context) {
	p, flow, ok := h.flowFor(c)
	if !ok {
		return
	}
	if providerError := c.Query("error"); providerError != "" {
		h.logger.Info("authorization declined", zap.String("platform", p.String()), zap.String("provider_error", providerError))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization_declined"})
		return
	}
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
		return
	}

	credential, callbackURL, err := flow.ExchangeCode(c.Request.Context(), code, c.Query("state"))
	if err != nil {
		h.respondError(c, "authorization code exchange failed", err)
		return
	}
	if h.credentials == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential_store_unavailable"})
		return
	}
	if err := h.credentials.Save(c.Request.Context(), credential); err != nil {
		h.respondError(c, "failed to store credential", err)
		return
	}
	if h.connectors != nil {
		h.connectors.Forget(credential.UserID, p)
	}
	h.logger.Info("platform connected", zap.String("platform", p.String()))

	if callbackURL != "" {
		c.Redirect(http.StatusFound, callbackURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform": p.String(), "connected": true})
}

func (h *httpHandler) handleAuthDisconnect(c *gin.Context) {
	p, ok := h.parsePlatform(c)
	if !ok {
		return
	}
	if h.credentials == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential_store_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)
	if err := h.credentials.Delete(c.Request.Context(), userID, p.String()); err != nil {
		h.respondError(c, "failed to delete credential", err)
		return
	}
	if h.connectors != nil {
		h.connectors.Forget(userID, p)
	}
	c.Status(http.StatusNoContent)
}
