package config

import (
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default address, got %s", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabasePath != "rynk.db" {
		t.Fatalf("unexpected database defaults: %s %s", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.AuthIssuer != "rynk-auth" || cfg.AuthCookieName != "app_session" {
		t.Fatalf("unexpected auth defaults: %s %s", cfg.AuthIssuer, cfg.AuthCookieName)
	}
	if cfg.BranchCap != 20 || cfg.DefaultPageSize != 50 || cfg.MaxPageSize != 200 {
		t.Fatalf("unexpected conversation defaults: %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("RYNK_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("RYNK_CONVERSATIONS_BRANCH_CAP", "5")
	t.Setenv("RYNK_LOG_FORMAT", "console")
	t.Setenv("RYNK_HTTP_ALLOWED_ORIGINS", "https://rynk.example.com, https://admin.rynk.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthSigningKey != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.AuthSigningKey)
	}
	if cfg.BranchCap != 5 {
		t.Fatalf("expected branch cap 5, got %d", cfg.BranchCap)
	}
	if cfg.LogFormat != "console" {
		t.Fatalf("expected console format, got %s", cfg.LogFormat)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.rynk.example.com" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		want     string
	}{
		{name: "missing secret", settings: map[string]any{}, want: "auth.signing_secret"},
		{name: "postgres without dsn", settings: map[string]any{"database.driver": "postgres"}, want: "database.dsn"},
		{name: "unknown driver", settings: map[string]any{"database.driver": "mysql"}, want: "database.driver"},
		{name: "bad log format", settings: map[string]any{"log.format": "xml"}, want: "log.format"},
		{name: "zero branch cap", settings: map[string]any{"conversations.branch_cap": 0}, want: "branch_cap"},
		{name: "inverted page sizes", settings: map[string]any{"conversations.default_page_size": 300}, want: "default_page_size"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("auth.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.want, err)
			}
		})
	}
}
