package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `port: "8080"
logLevel: debug
identityBaseURL: "https://identity.example.com"
identityJwksURL: "https://identity.example.com/jwks"
jwtIssuer: "libris-identity"
jwtAudience: "libris"
jwtLeeway: "30s"
libraryBaseURL: "https://library.example.com"
oauthProvider: google
catalogBaseURL: "https://catalog.example.com"
catalogAPIKey: "cat-key"
redisAddr: "localhost:6379"
quotaDailyLimit: 500
assistantRateLimitPerMinute: 10
dataDir: "/tmp/libris"
trustedProxyCidrs:
  - "10.0.0.0/8"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.LogLevel != "debug" {
		t.Fatalf("server fields = %q/%q", cfg.Port, cfg.LogLevel)
	}
	if cfg.IdentityBaseURL != "https://identity.example.com" || cfg.IdentityJWKSURL != "https://identity.example.com/jwks" {
		t.Fatalf("identity fields = %+v", cfg)
	}
	if cfg.QuotaDailyLimit != 500 || cfg.AssistantRateLimitPerMinute != 10 {
		t.Fatalf("limits = %d/%d", cfg.QuotaDailyLimit, cfg.AssistantRateLimitPerMinute)
	}
	if len(cfg.TrustedProxyCIDRs) != 1 || cfg.TrustedProxyCIDRs[0] != "10.0.0.0/8" {
		t.Fatalf("trusted proxies = %v", cfg.TrustedProxyCIDRs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file must fail")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LIBRIS_PORT", "9090")
	t.Setenv("LIBRIS_CATALOG_API_KEY", " env-key ")
	t.Setenv("LIBRIS_QUOTA_DAILY_LIMIT", "42")
	t.Setenv("LIBRIS_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 192.168.0.0/16,")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.CatalogAPIKey != "env-key" {
		t.Fatalf("catalog key not trimmed: %q", cfg.CatalogAPIKey)
	}
	if cfg.QuotaDailyLimit != 42 {
		t.Fatalf("quota limit = %d", cfg.QuotaDailyLimit)
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "192.168.0.0/16" {
		t.Fatalf("trusted proxies = %v", cfg.TrustedProxyCIDRs)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		mangle func(string) string
		want   string
	}{
		{"missing port", func(s string) string { return strings.Replace(s, `port: "8080"`, `port: ""`, 1) }, "port"},
		{"missing identity url", func(s string) string {
			return strings.Replace(s, `identityBaseURL: "https://identity.example.com"`, `identityBaseURL: ""`, 1)
		}, "identityBaseURL"},
		{"missing jwks url", func(s string) string {
			return strings.Replace(s, `identityJwksURL: "https://identity.example.com/jwks"`, `identityJwksURL: ""`, 1)
		}, "identityJwksURL"},
		{"missing library url", func(s string) string {
			return strings.Replace(s, `libraryBaseURL: "https://library.example.com"`, `libraryBaseURL: ""`, 1)
		}, "libraryBaseURL"},
		{"missing catalog url", func(s string) string {
			return strings.Replace(s, `catalogBaseURL: "https://catalog.example.com"`, `catalogBaseURL: ""`, 1)
		}, "catalogBaseURL"},
		{"missing redis addr", func(s string) string {
			return strings.Replace(s, `redisAddr: "localhost:6379"`, `redisAddr: ""`, 1)
		}, "redisAddr"},
		{"negative limit", func(s string) string {
			return strings.Replace(s, "quotaDailyLimit: 500", "quotaDailyLimit: -1", 1)
		}, "limits"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mangle(validYAML)))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseJWTLeeway(t *testing.T) {
	if d, err := ParseJWTLeeway(""); err != nil || d != 0 {
		t.Fatalf("empty leeway: %v %v", d, err)
	}
	if d, err := ParseJWTLeeway("45s"); err != nil || d != 45*time.Second {
		t.Fatalf("45s leeway: %v %v", d, err)
	}
	if _, err := ParseJWTLeeway("soon"); err == nil {
		t.Fatalf("garbage leeway must fail")
	}
}
