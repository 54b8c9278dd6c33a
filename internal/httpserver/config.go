package httpserver

import (
	"fmt"
	"strings"
)

const (
	defaultListenAddr     = ":8090"
	defaultAllowedOrigin  = "http://localhost:3000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultSuccessBaseURL = "https://video0.dev"
	defaultHistoryLimit   = 20
	maxHistoryLimit       = 100
)

// Config aggregates runtime settings for the token API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	PolarBaseURL       string
	PolarAccessToken   string
	PolarWebhookSecret string

	RenderBaseURL string
	RenderAPIKey  string

	// SuccessRedirectBaseURL is where checkout sends the buyer back; the
	// chat id is appended as /chat/{chat_id}.
	SuccessRedirectBaseURL string

	// ProductCredits maps billing product ids to granted credits. Empty
	// means the built-in production catalog.
	ProductCredits map[string]int64

	HistoryLimit int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.SuccessRedirectBaseURL = strings.TrimRight(defaultIfEmpty(cfg.SuccessRedirectBaseURL, defaultSuccessBaseURL), "/")
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.HistoryLimit > maxHistoryLimit {
		cfg.HistoryLimit = maxHistoryLimit
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.PolarWebhookSecret) == "" {
		return fmt.Errorf("polar webhook secret is required")
	}
	if strings.TrimSpace(cfg.PolarAccessToken) == "" {
		return fmt.Errorf("polar access token is required")
	}
	if strings.TrimSpace(cfg.RenderBaseURL) == "" {
		return fmt.Errorf("render base url is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
