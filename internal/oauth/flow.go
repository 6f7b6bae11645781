// Package oauth runs the authorization-code handshake and token refresh for connected platforms.
package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/credentials"
	"github.com/MarcoPoloResearchLab/pulse/internal/platform"
	"go.uber.org/zap"
)

// PKCEMode selects how the code challenge is derived from the verifier.
type PKCEMode int

const (
	PKCENone PKCEMode = iota
	// PKCES256 is RFC 7636 S256 with base64url encoding.
	PKCES256
	// PKCES256Hex is S256 with a hex-encoded digest, as required by the short-video platform.
	PKCES256Hex
)

const defaultExpiresIn = 86400

// ProviderConfig describes one provider's OAuth endpoints and client registration.
type ProviderConfig struct {
	Platform        platform.Platform
	AuthURL         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	ClientIDParam   string
	RedirectURL     string
	Scopes          []string
	ScopeSeparator  string
	PKCE            PKCEMode
	ExtraAuthParams map[string]string
}

// YouTubeProvider returns the Google OAuth registration for channel and analytics scopes.
func YouTubeProvider(clientID, clientSecret, redirectURL, authURL, tokenURL string) ProviderConfig {
	return ProviderConfig{
		Platform:      platform.YouTube,
		AuthURL:       authURL,
		TokenURL:      tokenURL,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		ClientIDParam: "client_id",
		RedirectURL:   redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/youtube.readonly",
			"https://www.googleapis.com/auth/yt-analytics.readonly",
		},
		ScopeSeparator: " ",
		ExtraAuthParams: map[string]string{
			"access_type":            "offline",
			"prompt":                 "consent",
			"include_granted_scopes": "true",
		},
	}
}

// TikTokProvider returns the TikTok Login Kit registration.
func TikTokProvider(clientKey, clientSecret, redirectURL, authURL, tokenURL string) ProviderConfig {
	return ProviderConfig{
		Platform:       platform.TikTok,
		AuthURL:        authURL,
		TokenURL:       tokenURL,
		ClientID:       clientKey,
		ClientSecret:   clientSecret,
		ClientIDParam:  "client_key",
		RedirectURL:    redirectURL,
		Scopes:         []string{"user.info.basic", "user.info.stats", "video.list"},
		ScopeSeparator: ",",
		PKCE:           PKCES256Hex,
	}
}

type FlowConfig struct {
	Provider   ProviderConfig
	States     *StateCodec
	HTTPClient platform.HTTPClient
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Flow implements the handshake for one provider and satisfies platform.TokenRefresher.
type Flow struct {
	provider   ProviderConfig
	states     *StateCodec
	httpClient platform.HTTPClient
	clock      func() time.Time
	logger     *zap.Logger
}

func NewFlow(cfg FlowConfig) (*Flow, error) {
	if cfg.States == nil {
		return nil, errMissingStateSecret
	}
	if strings.TrimSpace(cfg.Provider.ClientID) == "" || strings.TrimSpace(cfg.Provider.TokenURL) == "" {
		return nil, fmt.Errorf("oauth: %s client id and token url are required", cfg.Provider.Platform)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := cfg.Provider
	if provider.ClientIDParam == "" {
		provider.ClientIDParam = "client_id"
	}
	if provider.ScopeSeparator == "" {
		provider.ScopeSeparator = " "
	}
	return &Flow{provider: provider, states: cfg.States, httpClient: httpClient, clock: clock, logger: logger}, nil
}

// Platform returns the provider platform.
func (f *Flow) Platform() platform.Platform {
	return f.provider.Platform
}

// AuthorizationURL returns the provider consent URL for userID. callbackURL is where the
// browser is sent after the code exchange.
func (f *Flow) AuthorizationURL(userID, callbackURL string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("oauth: user id is required")
	}
	token, state, err := f.states.Issue(userID, f.provider.Platform.String(), callbackURL)
	if err != nil {
		return "", err
	}

	authURL, err := url.Parse(f.provider.AuthURL)
	if err != nil {
		return "", fmt.Errorf("oauth: invalid auth url: %w", err)
	}
	query := authURL.Query()
	query.Set(f.provider.ClientIDParam, f.provider.ClientID)
	query.Set("redirect_uri", f.provider.RedirectURL)
	query.Set("response_type", "code")
	query.Set("scope", strings.Join(f.provider.Scopes, f.provider.ScopeSeparator))
	query.Set("state", token)
	for key, value := range f.provider.ExtraAuthParams {
		query.Set(key, value)
	}
	if f.provider.PKCE != PKCENone {
		query.Set("code_challenge", codeChallenge(f.states.Verifier(state.Nonce), f.provider.PKCE))
		query.Set("code_challenge_method", "S256")
	}
	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// ExchangeCode validates state, redeems code and returns the credential plus the stored callback URL.
func (f *Flow) ExchangeCode(ctx context.Context, code, stateToken string) (*credentials.Credential, string, error) {
	state, err := f.states.Parse(stateToken, f.provider.Platform.String())
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(code) == "" {
		return nil, "", fmt.Errorf("oauth: authorization code is required")
	}

	form := url.Values{}
	form.Set(f.provider.ClientIDParam, f.provider.ClientID)
	form.Set("client_secret", f.provider.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", f.provider.RedirectURL)
	if f.provider.PKCE != PKCENone {
		form.Set("code_verifier", f.states.Verifier(state.Nonce))
	}

	token, err := f.postToken(ctx, "token.exchange", form)
	if err != nil {
		return nil, "", err
	}
	credential := f.credentialFrom(state.UserID, token, "")
	return credential, state.CallbackURL, nil
}

// Refresh exchanges the credential's refresh token. Providers that do not rotate the refresh
// token keep the previous one.
func (f *Flow) Refresh(ctx context.Context, credential *credentials.Credential) (*credentials.Credential, error) {
	if credential == nil || strings.TrimSpace(credential.RefreshToken) == "" {
		return nil, platform.NewError(platform.KindUnauthenticated, f.provider.Platform, "token.refresh", errors.New("no refresh token"))
	}
	form := url.Values{}
	form.Set(f.provider.ClientIDParam, f.provider.ClientID)
	form.Set("client_secret", f.provider.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", credential.RefreshToken)

	token, err := f.postToken(ctx, "token.refresh", form)
	if err != nil {
		return nil, err
	}
	refreshed := f.credentialFrom(credential.UserID, token, credential.RefreshToken)
	refreshed.ID = credential.ID
	refreshed.CreatedAt = credential.CreatedAt
	if refreshed.ExternalAccountID == "" {
		refreshed.ExternalAccountID = credential.ExternalAccountID
	}
	if refreshed.Scope == "" {
		refreshed.Scope = credential.Scope
	}
	f.logger.Info("access token refreshed", zap.String("platform", f.provider.Platform.String()))
	return refreshed, nil
}

type tokenPayload struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	TokenType        string `json:"token_type"`
	OpenID           string `json:"open_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type tokenResponse struct {
	tokenPayload
	Data *tokenPayload `json:"data"`
}

func (f *Flow) postToken(ctx context.Context, op string, form url.Values) (tokenPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenPayload{}, fmt.Errorf("oauth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return tokenPayload{}, platform.NewError(platform.KindTransientNetwork, f.provider.Platform, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenPayload{}, platform.NewError(platform.KindTransientNetwork, f.provider.Platform, op, err)
	}
	if resp.StatusCode >= 500 {
		return tokenPayload{}, &platform.Error{Kind: platform.KindTransientNetwork, Platform: f.provider.Platform, Op: op, StatusCode: resp.StatusCode}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tokenPayload{}, platform.NewError(platform.KindProviderPermanent, f.provider.Platform, op, fmt.Errorf("decode token response: %w", err))
	}
	payload := parsed.tokenPayload
	if payload.AccessToken == "" && parsed.Data != nil {
		payload = *parsed.Data
	}
	if resp.StatusCode != http.StatusOK || payload.Error != "" || payload.AccessToken == "" {
		reason := payload.Error
		if payload.ErrorDescription != "" {
			reason = reason + ": " + payload.ErrorDescription
		}
		if reason == "" {
			reason = "token endpoint returned no access token"
		}
		return tokenPayload{}, &platform.Error{Kind: platform.KindUnauthenticated, Platform: f.provider.Platform, Op: op, StatusCode: resp.StatusCode, Err: errors.New(reason)}
	}
	return payload, nil
}

func (f *Flow) credentialFrom(userID string, token tokenPayload, previousRefresh string) *credentials.Credential {
	expiresIn := token.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	expiresAt := f.clock().UTC().Add(time.Duration(expiresIn) * time.Second)
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefresh
	}
	return &credentials.Credential{
		UserID:            userID,
		Platform:          f.provider.Platform.String(),
		AccessToken:       token.AccessToken,
		RefreshToken:      refreshToken,
		ExpiresAt:         &expiresAt,
		Scope:             token.Scope,
		ExternalAccountID: token.OpenID,
	}
}

func codeChallenge(verifier string, mode PKCEMode) string {
	digest := sha256.Sum256([]byte(verifier))
	if mode == PKCES256Hex {
		return hex.EncodeToString(digest[:])
	}
	return base64.RawURLEncoding.EncodeToString(digest[:])
}
