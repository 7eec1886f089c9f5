package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort              = "8080"
	defaultSessionCookieName = "polychat_session"
	defaultSessionTTLHours   = 168
	defaultFrontendOrigin    = "http://localhost:5173"
	defaultUploadDir         = "/tmp/polychat-uploads"
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultAnthropicBaseURL  = "https://api.anthropic.com"
	defaultGeminiBaseURL     = "https://generativelanguage.googleapis.com"
	defaultTitleTimeoutSecs  = 45
)

type Config struct {
	Port                     string
	Environment              string
	FrontendOrigin           string
	AllowedOrigins           []string
	AuthRequired             bool
	CookieSecure             bool
	SessionCookieName        string
	SessionTTL               time.Duration
	AllowedGoogleEmails      map[string]struct{}
	GoogleClientID           string
	InsecureSkipGoogleVerify bool
	TursoDatabaseURL         string
	TursoAuthToken           string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	GeminiAPIKey     string
	GeminiBaseURL    string

	GCSBucket       string
	GCSUploadPrefix string
	LocalUploadDir  string

	TitleTimeoutSeconds int
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func Load() (Config, error) {
	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		AuthRequired:             boolOrDefault("AUTH_REQUIRED", true),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		TursoDatabaseURL:         strings.TrimSpace(os.Getenv("TURSO_DATABASE_URL")),
		TursoAuthToken:           strings.TrimSpace(os.Getenv("TURSO_AUTH_TOKEN")),
		OpenAIAPIKey:             strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL),
		AnthropicAPIKey:          strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		AnthropicBaseURL:         envOrDefault("ANTHROPIC_BASE_URL", defaultAnthropicBaseURL),
		GeminiAPIKey:             strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiBaseURL:            envOrDefault("GEMINI_BASE_URL", defaultGeminiBaseURL),
		GCSBucket:                strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		GCSUploadPrefix:          envOrDefault("GCS_UPLOAD_PREFIX", "chat-uploads"),
		LocalUploadDir:           envOrDefault("LOCAL_UPLOAD_DIR", defaultUploadDir),
		TitleTimeoutSeconds:      intOrDefault("TITLE_TIMEOUT_SECONDS", defaultTitleTimeoutSecs),
	}

	if cfg.Environment == "production" {
		cfg.CookieSecure = true
	}

	sessionTTLHours := intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	cfg.SessionTTL = time.Duration(sessionTTLHours) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	cfg.AllowedGoogleEmails = parseEmailSet(strings.TrimSpace(os.Getenv("ALLOWED_GOOGLE_EMAILS")))

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:4173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.TursoDatabaseURL == "" {
		return Config{}, errors.New("TURSO_DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.TursoDatabaseURL, "libsql://") && cfg.TursoAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}
	if cfg.AuthRequired && !cfg.InsecureSkipGoogleVerify && cfg.GoogleClientID == "" {
		return Config{}, errors.New("GOOGLE_CLIENT_ID is required unless AUTH_INSECURE_SKIP_GOOGLE_VERIFY=true")
	}
	if cfg.TitleTimeoutSeconds <= 0 {
		return Config{}, errors.New("TITLE_TIMEOUT_SECONDS must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseEmailSet(raw string) map[string]struct{} {
	emails := parseList(raw)
	out := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		out[strings.ToLower(email)] = struct{}{}
	}
	return out
}
