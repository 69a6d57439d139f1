// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

const defaultPrivateKey = "88888888888888888888888888888888"

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName               string   `mapstructure:"appname"`
	AppPort               string   `mapstructure:"appport"`
	Environment           string   `mapstructure:"environment"`
	LogLevel              LogLevel `mapstructure:"loglevel"`
	PrivateKey            string   `mapstructure:"privatekey"`
	SessionTimeoutSeconds int      `mapstructure:"sessiontimeoutseconds"`

	// File paths
	DatabasePath     string `mapstructure:"storagepath"`
	DatabaseName     string `mapstructure:"-"` // Derived from other settings
	GeoDBPath        string `mapstructure:"geodbpath"`
	EventSchemasPath string `mapstructure:"eventschemaspath"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseMaxOpenConns int `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int `mapstructure:"dbmaxidleconns"`

	// Site resolution
	DefaultSiteID    uint   `mapstructure:"defaultsiteid"`
	SiteHeader       string `mapstructure:"siteheader"`
	TrackingDomain   string `mapstructure:"trackingdomain"`
	MaxPropertyBytes int    `mapstructure:"maxpropertybytes"`

	// Consent and exclusions
	TrackingEnabled    bool     `mapstructure:"trackingenabled"`
	HonorDoNotTrack    bool     `mapstructure:"honordnt"`
	ConsentRequired    bool     `mapstructure:"consentrequired"`
	ConsentCategory    string   `mapstructure:"consentcategory"`
	ConsentCategories  []string `mapstructure:"consentcategories"`
	ExcludedIPs        []string `mapstructure:"excludedips"`
	ExcludedUserAgents []string `mapstructure:"excludeduseragents"`
	ExcludedPaths      []string `mapstructure:"excludedpaths"`
	EngagementEvents   []string `mapstructure:"engagementevents"`

	// Query engine
	QueryCacheTTLSeconds int `mapstructure:"querycachettlseconds"`
	QueryTimeoutSeconds  int `mapstructure:"querytimeoutseconds"`

	// Rate limiting
	RateLimitRequests      int `mapstructure:"ratelimitrequests"`
	RateLimitWindowSeconds int `mapstructure:"ratelimitwindowseconds"`

	// Job scheduling settings
	JobIntervalSeconds int `mapstructure:"jobintervalseconds"`

	// Data retention settings
	RetentionDays         int  `mapstructure:"retentiondays"`
	AggregateBeforeDelete bool `mapstructure:"aggregatebeforedelete"`
	SafetyMarginHours     int  `mapstructure:"safetymarginhours"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the process configuration. Only cmd/ should use it;
// everything else receives a *Config explicitly.
func GetConfig() *Config {
	once.Do(func() {
		c, err := Load()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = c
	})
	return cfg
}

// Load reads defaults and environment variables into a new Config.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("appname", "siteline")
	v.SetDefault("appport", "3000")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelDebug))
	v.SetDefault("privatekey", defaultPrivateKey)
	v.SetDefault("sessiontimeoutseconds", 1800)
	v.SetDefault("storagepath", "storage")
	v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
	v.SetDefault("eventschemaspath", "")
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("defaultsiteid", 0)
	v.SetDefault("siteheader", "X-Site-Id")
	v.SetDefault("trackingdomain", "")
	v.SetDefault("maxpropertybytes", 8192)
	v.SetDefault("trackingenabled", true)
	v.SetDefault("honordnt", true)
	v.SetDefault("consentrequired", false)
	v.SetDefault("consentcategory", "analytics")
	v.SetDefault("consentcategories", "analytics,marketing")
	v.SetDefault("excludedips", "")
	v.SetDefault("excludeduseragents", "")
	v.SetDefault("excludedpaths", "")
	v.SetDefault("engagementevents", "scroll,click,form_submit,video_play,file_download,outbound_click")
	v.SetDefault("querycachettlseconds", 60)
	v.SetDefault("querytimeoutseconds", 10)
	v.SetDefault("ratelimitrequests", 120)
	v.SetDefault("ratelimitwindowseconds", 60)
	v.SetDefault("jobintervalseconds", 60)
	v.SetDefault("retentiondays", 90)
	v.SetDefault("aggregatebeforedelete", true)
	v.SetDefault("safetymarginhours", 48)

	v.BindEnv("appname", "SITELINE_APP_NAME")
	v.BindEnv("appport", "SITELINE_APP_PORT")
	v.BindEnv("environment", "SITELINE_ENV")
	v.BindEnv("loglevel", "SITELINE_LOG_LEVEL")
	v.BindEnv("privatekey", "SITELINE_PRIVATE_KEY")
	v.BindEnv("sessiontimeoutseconds", "SITELINE_SESSION_TIMEOUT_SECONDS")
	v.BindEnv("storagepath", "SITELINE_STORAGE_PATH")
	v.BindEnv("geodbpath", "SITELINE_GEO_DB_PATH")
	v.BindEnv("eventschemaspath", "SITELINE_EVENT_SCHEMAS_PATH")
	v.BindEnv("logsdir", "SITELINE_LOGS_DIR")
	v.BindEnv("logsmaxsizeinmb", "SITELINE_LOGS_MAX_SIZE_IN_MB")
	v.BindEnv("logsmaxbackups", "SITELINE_LOGS_MAX_BACKUPS")
	v.BindEnv("logsmaxageindays", "SITELINE_LOGS_MAX_AGE_IN_DAYS")
	v.BindEnv("dbmaxopenconns", "SITELINE_DB_MAX_OPEN_CONNS")
	v.BindEnv("dbmaxidleconns", "SITELINE_DB_MAX_IDLE_CONNS")
	v.BindEnv("defaultsiteid", "SITELINE_DEFAULT_SITE_ID")
	v.BindEnv("siteheader", "SITELINE_SITE_HEADER")
	v.BindEnv("trackingdomain", "SITELINE_TRACKING_DOMAIN")
	v.BindEnv("maxpropertybytes", "SITELINE_MAX_PROPERTY_BYTES")
	v.BindEnv("trackingenabled", "SITELINE_TRACKING_ENABLED")
	v.BindEnv("honordnt", "SITELINE_HONOR_DNT")
	v.BindEnv("consentrequired", "SITELINE_CONSENT_REQUIRED")
	v.BindEnv("consentcategory", "SITELINE_CONSENT_CATEGORY")
	v.BindEnv("consentcategories", "SITELINE_CONSENT_CATEGORIES")
	v.BindEnv("excludedips", "SITELINE_EXCLUDED_IPS")
	v.BindEnv("excludeduseragents", "SITELINE_EXCLUDED_USER_AGENTS")
	v.BindEnv("excludedpaths", "SITELINE_EXCLUDED_PATHS")
	v.BindEnv("engagementevents", "SITELINE_ENGAGEMENT_EVENTS")
	v.BindEnv("querycachettlseconds", "SITELINE_QUERY_CACHE_TTL_SECONDS")
	v.BindEnv("querytimeoutseconds", "SITELINE_QUERY_TIMEOUT_SECONDS")
	v.BindEnv("ratelimitrequests", "SITELINE_RATE_LIMIT_REQUESTS")
	v.BindEnv("ratelimitwindowseconds", "SITELINE_RATE_LIMIT_WINDOW_SECONDS")
	v.BindEnv("jobintervalseconds", "SITELINE_JOB_INTERVAL_SECONDS")
	v.BindEnv("retentiondays", "SITELINE_RETENTION_DAYS")
	v.BindEnv("aggregatebeforedelete", "SITELINE_AGGREGATE_BEFORE_DELETE")
	v.BindEnv("safetymarginhours", "SITELINE_SAFETY_MARGIN_HOURS")

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Comma separated env values arrive as a single element
	c.ConsentCategories = splitList(c.ConsentCategories)
	c.ExcludedIPs = splitList(c.ExcludedIPs)
	c.ExcludedUserAgents = splitList(c.ExcludedUserAgents)
	c.ExcludedPaths = splitList(c.ExcludedPaths)
	c.EngagementEvents = splitList(c.EngagementEvents)
	c.ConsentCategory = strings.TrimSpace(c.ConsentCategory)

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c.DatabaseName = c.GetDatabasePath()
	return c, nil
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}
	if c.IsProduction() && c.PrivateKey == defaultPrivateKey {
		return fmt.Errorf("production requires a unique SITELINE_PRIVATE_KEY (cannot use default)")
	}
	if c.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("session timeout must be positive, got %d", c.SessionTimeoutSeconds)
	}
	if c.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("query timeout must be positive, got %d", c.QueryTimeoutSeconds)
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate limit requires positive requests and window")
	}
	if c.ConsentRequired && c.ConsentCategory == "" {
		return fmt.Errorf("consent category is required when consent is required")
	}
	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// SessionTimeout is the inactivity window after which a session token starts a new session.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

func (c *Config) QueryCacheTTL() time.Duration {
	return time.Duration(c.QueryCacheTTLSeconds) * time.Second
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c *Config) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginHours) * time.Hour
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10 (allows concurrent reads for parallel queries)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}
	if c.Environment == Test {
		return 1
	}
	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}
	if c.Environment == Test {
		return 1
	}
	return 5
}

// GetLogLevel returns the log level as a string.
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
