package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	IdentityBaseURL string `yaml:"identityBaseURL"`
	IdentityAPIKey  string `yaml:"identityAPIKey"`
	IdentityJWKSURL string `yaml:"identityJwksURL"`
	JWTIssuer       string `yaml:"jwtIssuer"`
	JWTAudience     string `yaml:"jwtAudience"`
	JWTLeeway       string `yaml:"jwtLeeway"`

	LibraryBaseURL string `yaml:"libraryBaseURL"`
	OAuthProvider  string `yaml:"oauthProvider"`

	CatalogBaseURL string `yaml:"catalogBaseURL"`
	CatalogAPIKey  string `yaml:"catalogAPIKey"`

	OpenRouterAPIKey  string `yaml:"openRouterAPIKey"`
	OpenRouterModel   string `yaml:"openRouterModel"`
	OpenRouterReferer string `yaml:"openRouterReferer"`
	OpenRouterTitle   string `yaml:"openRouterTitle"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	QuotaDailyLimit             int `yaml:"quotaDailyLimit"`
	AssistantRateLimitPerMinute int `yaml:"assistantRateLimitPerMinute"`

	DataDir           string   `yaml:"dataDir"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("LIBRIS_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_IDENTITY_BASE_URL"); v != "" {
		cfg.IdentityBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_IDENTITY_API_KEY"); v != "" {
		cfg.IdentityAPIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_IDENTITY_JWKS_URL"); v != "" {
		cfg.IdentityJWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("LIBRIS_LIBRARY_BASE_URL"); v != "" {
		cfg.LibraryBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_OAUTH_PROVIDER"); v != "" {
		cfg.OAuthProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_CATALOG_BASE_URL"); v != "" {
		cfg.CatalogBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_CATALOG_API_KEY"); v != "" {
		cfg.CatalogAPIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.OpenRouterAPIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("OPENROUTER_MODEL"); v != "" {
		cfg.OpenRouterModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LIBRIS_QUOTA_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.QuotaDailyLimit = n
		}
	}
	if v := os.Getenv("LIBRIS_ASSISTANT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.AssistantRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LIBRIS_DATA_DIR"); v != "" {
		cfg.DataDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIBRIS_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.IdentityBaseURL == "" {
		return errors.New("config: identityBaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.IdentityJWKSURL) == "" {
		return errors.New("config: identityJwksURL is required (set in config.yaml or LIBRIS_IDENTITY_JWKS_URL)")
	}
	if cfg.LibraryBaseURL == "" {
		return errors.New("config: libraryBaseURL is required (set in config.yaml)")
	}
	if cfg.CatalogBaseURL == "" {
		return errors.New("config: catalogBaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for quota tracking and rate limiting")
	}
	if cfg.QuotaDailyLimit < 0 || cfg.AssistantRateLimitPerMinute < 0 {
		return errors.New("config: limits must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
