package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setValid(t *testing.T) {
	t.Helper()
	t.Setenv("ESRI_CLIENT_ID", "id")
	t.Setenv("ESRI_CLIENT_SECRET", "secret")
	t.Setenv("STAGING_LAYER_URL", "https://services.example.com/arcgis/rest/services/staging/FeatureServer/0")
	t.Setenv("PRODUCTION_LAYER_URL", "https://services.example.com/arcgis/rest/services/prod/FeatureServer/0")
	t.Setenv("POCKETBASE_URL", "https://pb.example.com")
}

func TestFromEnv_Defaults(t *testing.T) {
	setValid(t)
	c := FromEnv()
	if c.Addr != ":8090" || c.ArcGIS.ObjectIDField != "OBJECTID" {
		t.Fatalf("defaults: %+v", c)
	}
	if !c.Capabilities.Jurisdiction || !c.Capabilities.Production || c.Capabilities.Attachments {
		t.Fatalf("capabilities: %+v", c.Capabilities)
	}
	if c.SessionIdleTTL != 30*time.Minute || c.JurisdictionTTL != 10*time.Minute {
		t.Fatalf("ttl: %s %s", c.SessionIdleTTL, c.JurisdictionTTL)
	}
	if len(c.AllowedOrigins) != 1 || c.AllowedOrigins[0] != "*" {
		t.Fatalf("origins: %v", c.AllowedOrigins)
	}
	if c.MetricsPath != "/metrics" {
		t.Fatalf("metrics path: %q", c.MetricsPath)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	setValid(t)
	t.Setenv("CAP_PRODUCTION", "no")
	t.Setenv("CAP_ATTACHMENTS", "1")
	t.Setenv("SESSION_IDLE_TTL", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("JURISDICTION_CACHE_SIZE", "notanumber")
	t.Setenv("METRICS_PATH", "/internal/metrics")

	c := FromEnv()
	if c.MetricsPath != "/internal/metrics" {
		t.Fatalf("metrics path: %q", c.MetricsPath)
	}
	if c.Capabilities.Production || !c.Capabilities.Attachments {
		t.Fatalf("capabilities: %+v", c.Capabilities)
	}
	if c.SessionIdleTTL != 90*time.Second {
		t.Fatalf("idle ttl: %s", c.SessionIdleTTL)
	}
	if strings.Join(c.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("origins: %v", c.AllowedOrigins)
	}
	if c.JurisdictionCacheSize != 1024 {
		t.Fatalf("bad int should fall back to default, got %d", c.JurisdictionCacheSize)
	}
}

func TestValidate_MissingSecret(t *testing.T) {
	setValid(t)
	t.Setenv("ESRI_CLIENT_SECRET", "")
	err := FromEnv().Validate()
	if err == nil || !strings.Contains(err.Error(), "ESRI_CLIENT_SECRET") {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate_MetricsPath(t *testing.T) {
	setValid(t)
	t.Setenv("METRICS_PATH", "metrics")
	err := FromEnv().Validate()
	if err == nil || !strings.Contains(err.Error(), "METRICS_PATH") {
		t.Fatalf("err=%v", err)
	}
	t.Setenv("METRICS_ENABLED", "false")
	if err := FromEnv().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_ProductionURLOnlyWhenEnabled(t *testing.T) {
	setValid(t)
	t.Setenv("PRODUCTION_LAYER_URL", "")
	if err := FromEnv().Validate(); err == nil {
		t.Fatal("expected error with production enabled and no url")
	}
	t.Setenv("CAP_PRODUCTION", "false")
	if err := FromEnv().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_DotenvDoesNotOverrideEnv(t *testing.T) {
	setValid(t)
	t.Setenv("ADDR", ":9999")
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("ADDR=:7000\nLOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOG_LEVEL", "info")
	_ = os.Unsetenv("LOG_LEVEL")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr != ":9999" {
		t.Fatalf("addr=%s; environment must win over dotenv", c.Addr)
	}
	if c.LogLevel != "debug" {
		t.Fatalf("log level=%s", c.LogLevel)
	}
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	setValid(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
