package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

type ArcGISCfg struct {
	TokenURL      string
	PortalURL     string
	ClientID      string
	ClientSecret  string
	StagingURL    string
	ProductionURL string
	ObjectIDField string
}

type KafkaCfg struct {
	Brokers          []string
	PromotionEnabled bool
	PromotionTopic   string
	MuseumEnabled    bool
	MuseumTopic      string
	GroupID          string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	ArcGIS       ArcGISCfg
	Capabilities model.Capabilities

	PocketBaseURL    string
	MuseumCollection string

	RedisEnabled          bool
	RedisAddr             string
	CacheOpTimeout        time.Duration
	JurisdictionTTL       time.Duration
	JurisdictionCacheSize int

	SessionIdleTTL  time.Duration
	UpstreamTimeout time.Duration
	AllowedOrigins  []string
	MetricsEnabled  bool
	MetricsPath     string

	Kafka KafkaCfg
}

// Load reads optional dotenv files (default ".env") and then the process
// environment. Variables already set in the environment win.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg := FromEnv()
	return cfg, cfg.Validate()
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		ArcGIS: ArcGISCfg{
			TokenURL:      getenv("ARCGIS_TOKEN_URL", "https://www.arcgis.com/sharing/rest/oauth2/token"),
			PortalURL:     getenv("ARCGIS_PORTAL_URL", "https://www.arcgis.com/sharing/rest"),
			ClientID:      os.Getenv("ESRI_CLIENT_ID"),
			ClientSecret:  os.Getenv("ESRI_CLIENT_SECRET"),
			StagingURL:    os.Getenv("STAGING_LAYER_URL"),
			ProductionURL: os.Getenv("PRODUCTION_LAYER_URL"),
			ObjectIDField: getenv("OBJECT_ID_FIELD", "OBJECTID"),
		},
		Capabilities: model.Capabilities{
			Jurisdiction: getbool("CAP_JURISDICTION", true),
			Production:   getbool("CAP_PRODUCTION", true),
			Attachments:  getbool("CAP_ATTACHMENTS", false),
		},

		PocketBaseURL:    getenv("POCKETBASE_URL", "http://localhost:8090"),
		MuseumCollection: getenv("MUSEUM_COLLECTION", "museums"),

		RedisEnabled:          getbool("REDIS_ENABLED", false),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		CacheOpTimeout:        getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		JurisdictionTTL:       getduration("JURISDICTION_TTL", 10*time.Minute),
		JurisdictionCacheSize: getint("JURISDICTION_CACHE_SIZE", 1024),

		SessionIdleTTL:  getduration("SESSION_IDLE_TTL", 30*time.Minute),
		UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 30*time.Second),
		AllowedOrigins:  getlist("ALLOWED_ORIGINS", []string{"*"}),
		MetricsEnabled:  getbool("METRICS_ENABLED", true),
		MetricsPath:     getenv("METRICS_PATH", "/metrics"),

		Kafka: KafkaCfg{
			Brokers:          getlist("KAFKA_BROKERS", []string{"localhost:9092"}),
			PromotionEnabled: getbool("PROMOTION_EVENTS_ENABLED", false),
			PromotionTopic:   getenv("PROMOTION_EVENTS_TOPIC", "feature-promotions"),
			MuseumEnabled:    getbool("MUSEUM_EVENTS_ENABLED", false),
			MuseumTopic:      getenv("MUSEUM_EVENTS_TOPIC", "museum-changes"),
			GroupID:          getenv("KAFKA_GROUP_ID", "feature-promotion"),
		},
	}
}

// Validate reports configuration that would make every session fail.
func (c Config) Validate() error {
	var errs []error
	if c.ArcGIS.ClientID == "" || c.ArcGIS.ClientSecret == "" {
		errs = append(errs, errors.New("ESRI_CLIENT_ID and ESRI_CLIENT_SECRET are required"))
	}
	for name, v := range map[string]string{
		"ARCGIS_TOKEN_URL":  c.ArcGIS.TokenURL,
		"STAGING_LAYER_URL": c.ArcGIS.StagingURL,
		"POCKETBASE_URL":    c.PocketBaseURL,
	} {
		if !absURL(v) {
			errs = append(errs, fmt.Errorf("%s must be an absolute url, got %q", name, v))
		}
	}
	if c.Capabilities.Production && !absURL(c.ArcGIS.ProductionURL) {
		errs = append(errs, fmt.Errorf("PRODUCTION_LAYER_URL must be an absolute url when CAP_PRODUCTION is on, got %q", c.ArcGIS.ProductionURL))
	}
	if c.JurisdictionCacheSize <= 0 {
		errs = append(errs, errors.New("JURISDICTION_CACHE_SIZE must be positive"))
	}
	if c.MetricsEnabled && !strings.HasPrefix(c.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("METRICS_PATH must start with /, got %q", c.MetricsPath))
	}
	return errors.Join(errs...)
}

func absURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && u.Host != ""
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "a, b,c" into a list, empty entries dropped
func getlist(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
