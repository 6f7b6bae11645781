package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PULSE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "pulse.db"
	defaultLogLevel     = "info"
	defaultUserID       = "default"
	defaultTimezone     = "UTC"
)

// AppConfig captures runtime configuration for the API server and CLI commands.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	UserID       string
	Location     *time.Location
	MaxParallel  int

	StateSecret string
	StateTTL    time.Duration

	YouTube YouTubeConfig
	TikTok  TikTokConfig
	Query   QueryConfig
}

// YouTubeConfig holds OAuth client settings and sync tuning for the long-video platform.
type YouTubeConfig struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	AuthURL           string
	TokenURL          string
	DataURL           string
	AnalyticsURL      string
	PageSize          int
	ReportLagDays     int
	ReportWindowDays  int
	DailyQuotaUnits   int64
	QuotaResetHour    int
	RequestsPerSecond float64
}

// TikTokConfig holds OAuth client settings and sync tuning for the short-video platform.
type TikTokConfig struct {
	ClientKey         string
	ClientSecret      string
	RedirectURL       string
	AuthURL           string
	TokenURL          string
	APIURL            string
	PageSize          int
	MaxPages          int
	RequestsPerSecond float64
}

// QueryConfig tunes the dashboard and reporting endpoints.
type QueryConfig struct {
	DailyLagDays        int
	DailyWindowDays     int
	MissingDaysLookback int
	TopPosts            int
}

// Configured reports whether OAuth client credentials are present.
func (c YouTubeConfig) Configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// Configured reports whether OAuth client credentials are present.
func (c TikTokConfig) Configured() bool {
	return strings.TrimSpace(c.ClientKey) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("user.id", defaultUserID)
	configViper.SetDefault("sync.timezone", defaultTimezone)
	configViper.SetDefault("sync.max_parallel", 2)
	configViper.SetDefault("oauth.state_ttl_minutes", 10)

	configViper.SetDefault("youtube.auth_url", "https://accounts.google.com/o/oauth2/v2/auth")
	configViper.SetDefault("youtube.token_url", "https://oauth2.googleapis.com/token")
	configViper.SetDefault("youtube.data_url", "https://www.googleapis.com")
	configViper.SetDefault("youtube.analytics_url", "https://youtubeanalytics.googleapis.com")
	configViper.SetDefault("youtube.redirect_url", "http://localhost:8080/auth/youtube/callback")
	configViper.SetDefault("youtube.page_size", 50)
	configViper.SetDefault("youtube.report_lag_days", 2)
	configViper.SetDefault("youtube.report_window_days", 35)
	configViper.SetDefault("youtube.daily_quota_units", 10000)
	configViper.SetDefault("youtube.quota_reset_hour", 4)
	configViper.SetDefault("youtube.requests_per_second", 5)

	configViper.SetDefault("tiktok.auth_url", "https://www.tiktok.com/v2/auth/authorize/")
	configViper.SetDefault("tiktok.token_url", "https://open.tiktokapis.com/v2/oauth/token/")
	configViper.SetDefault("tiktok.api_url", "https://open.tiktokapis.com")
	configViper.SetDefault("tiktok.redirect_url", "http://localhost:8080/auth/tiktok/callback")
	configViper.SetDefault("tiktok.page_size", 20)
	configViper.SetDefault("tiktok.max_pages", 100)
	configViper.SetDefault("tiktok.requests_per_second", 2)

	configViper.SetDefault("query.daily_lag_days", 3)
	configViper.SetDefault("query.daily_window_days", 31)
	configViper.SetDefault("query.missing_days_lookback", 10)
	configViper.SetDefault("query.top_posts", 10)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	timezone := strings.TrimSpace(configViper.GetString("sync.timezone"))
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("sync.timezone %q is invalid: %w", timezone, err)
	}

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		UserID:       strings.TrimSpace(configViper.GetString("user.id")),
		Location:     location,
		MaxParallel:  configViper.GetInt("sync.max_parallel"),
		StateSecret:  configViper.GetString("oauth.state_secret"),
		StateTTL:     time.Duration(configViper.GetInt("oauth.state_ttl_minutes")) * time.Minute,
		YouTube: YouTubeConfig{
			ClientID:          configViper.GetString("youtube.client_id"),
			ClientSecret:      configViper.GetString("youtube.client_secret"),
			RedirectURL:       configViper.GetString("youtube.redirect_url"),
			AuthURL:           configViper.GetString("youtube.auth_url"),
			TokenURL:          configViper.GetString("youtube.token_url"),
			DataURL:           configViper.GetString("youtube.data_url"),
			AnalyticsURL:      configViper.GetString("youtube.analytics_url"),
			PageSize:          configViper.GetInt("youtube.page_size"),
			ReportLagDays:     configViper.GetInt("youtube.report_lag_days"),
			ReportWindowDays:  configViper.GetInt("youtube.report_window_days"),
			DailyQuotaUnits:   configViper.GetInt64("youtube.daily_quota_units"),
			QuotaResetHour:    configViper.GetInt("youtube.quota_reset_hour"),
			RequestsPerSecond: configViper.GetFloat64("youtube.requests_per_second"),
		},
		TikTok: TikTokConfig{
			ClientKey:         configViper.GetString("tiktok.client_key"),
			ClientSecret:      configViper.GetString("tiktok.client_secret"),
			RedirectURL:       configViper.GetString("tiktok.redirect_url"),
			AuthURL:           configViper.GetString("tiktok.auth_url"),
			TokenURL:          configViper.GetString("tiktok.token_url"),
			APIURL:            configViper.GetString("tiktok.api_url"),
			PageSize:          configViper.GetInt("tiktok.page_size"),
			MaxPages:          configViper.GetInt("tiktok.max_pages"),
			RequestsPerSecond: configViper.GetFloat64("tiktok.requests_per_second"),
		},
		Query: QueryConfig{
			DailyLagDays:        configViper.GetInt("query.daily_lag_days"),
			DailyWindowDays:     configViper.GetInt("query.daily_window_days"),
			MissingDaysLookback: configViper.GetInt("query.missing_days_lookback"),
			TopPosts:            configViper.GetInt("query.top_posts"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.StateSecret) == "" {
		return fmt.Errorf("oauth.state_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.YouTube.PageSize <= 0 || c.YouTube.PageSize > 50 {
		return fmt.Errorf("youtube.page_size must be between 1 and 50")
	}
	if c.YouTube.ReportLagDays < 0 {
		return fmt.Errorf("youtube.report_lag_days must not be negative")
	}
	if c.YouTube.ReportWindowDays <= c.YouTube.ReportLagDays {
		return fmt.Errorf("youtube.report_window_days must exceed youtube.report_lag_days")
	}
	if c.YouTube.QuotaResetHour < 0 || c.YouTube.QuotaResetHour > 23 {
		return fmt.Errorf("youtube.quota_reset_hour must be between 0 and 23")
	}
	if c.TikTok.PageSize <= 0 || c.TikTok.PageSize > 20 {
		return fmt.Errorf("tiktok.page_size must be between 1 and 20")
	}
	if c.TikTok.MaxPages <= 0 {
		return fmt.Errorf("tiktok.max_pages must be positive")
	}
	if c.Query.DailyWindowDays <= 0 {
		return fmt.Errorf("query.daily_window_days must be positive")
	}
	if c.Query.DailyLagDays < 0 {
		return fmt.Errorf("query.daily_lag_days must not be negative")
	}
	return nil
}
