package config

import (
	"time"
)

// Config is the top-level AEGIS configuration.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Engine      EngineConfig    `yaml:"engine"`
	Enforcer    EnforcerConfig  `yaml:"enforcer"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Storage     StorageConfig   `yaml:"storage"`
	Anomaly     AnomalyConfig   `yaml:"anomaly"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	Anonymize   AnonymizeConfig `yaml:"anonymize"`
	Geo         GeoConfig       `yaml:"geo"`
	PoliciesDir string          `yaml:"policies_dir"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	CORS      bool   `yaml:"cors"`
	AuthToken string `yaml:"auth_token"` // bearer token for mutating admin routes; empty disables auth
}

// GatewayConfig controls the MCP front door and the upstream connection.
type GatewayConfig struct {
	Enabled     bool   `yaml:"enabled"`
	UpstreamURL string `yaml:"upstream_url"`
	AgentHeader string `yaml:"agent_header"` // header carrying the caller identity, default X-Aegis-Agent
}

// EngineConfig holds the hybrid decision engine knobs.
type EngineConfig struct {
	UseRules    bool          `yaml:"use_rules"`
	UseAI       bool          `yaml:"use_ai"`
	UseCache    bool          `yaml:"use_cache"`
	AIThreshold float64       `yaml:"ai_threshold"`
	AITimeout   time.Duration `yaml:"ai_timeout"`
	AIModel     string        `yaml:"ai_model"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheMax    int           `yaml:"cache_max"` // max entries before TTL-soonest eviction
}

// EnforcerConfig holds serving-path knobs shared by the collector,
// constraint manager, and obligation manager.
type EnforcerConfig struct {
	BusinessHours      string        `yaml:"business_hours"` // HH:MM-HH:MM
	DelegationMaxDepth int           `yaml:"delegation_max_depth"`
	ConstraintTimeout  time.Duration `yaml:"constraint_timeout"`
	ObligationTimeout  time.Duration `yaml:"obligation_timeout"`
	ObligationRetries  int           `yaml:"obligation_retries"`
	BlockTTL           time.Duration `yaml:"block_ttl"` // duration of anomaly auto-mitigation soft blocks
	SensitiveKeywords  []string      `yaml:"sensitive_keywords"`
}

type RateLimitConfig struct {
	DefaultLimit  string        `yaml:"default_limit"` // e.g. "100/min"
	KeyTemplate   string        `yaml:"key_template"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type StorageConfig struct {
	Driver    string        `yaml:"driver"` // sqlite or memory
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// AnomalyConfig tunes the audit-stream pattern detectors.
type AnomalyConfig struct {
	RingMaxAge      time.Duration `yaml:"ring_max_age"`
	RingMaxEntries  int           `yaml:"ring_max_entries"`
	RapidThreshold  int           `yaml:"rapid_threshold"`
	RapidWindow     time.Duration `yaml:"rapid_window"`
	DenialThreshold int           `yaml:"denial_threshold"`
	DenialWindow    time.Duration `yaml:"denial_window"`
	SurgeThreshold  int           `yaml:"surge_threshold"`
	SurgeWindow     time.Duration `yaml:"surge_window"`
	SurgeHistoryMax int           `yaml:"surge_history_max"`
	AutoMitigate    bool          `yaml:"auto_mitigate"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// AnonymizeConfig lists the key paths whose values the anonymizer masks.
type AnonymizeConfig struct {
	Keys []string `yaml:"keys"`
}

// GeoConfig maps CIDR ranges to ISO country codes for the geo restrictor.
type GeoConfig struct {
	Ranges []GeoRange `yaml:"ranges"`
}

type GeoRange struct {
	CIDR    string `yaml:"cidr"`
	Country string `yaml:"country"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     6780,
			LogLevel: "info",
			CORS:     false,
		},
		Gateway: GatewayConfig{
			Enabled:     true,
			UpstreamURL: "http://localhost:8931/mcp",
			AgentHeader: "X-Aegis-Agent",
		},
		Engine: EngineConfig{
			UseRules:    true,
			UseAI:       true,
			UseCache:    true,
			AIThreshold: 0.7,
			AITimeout:   30 * time.Second,
			AIModel:     "gpt-4o-mini",
			CacheTTL:    300 * time.Second,
			CacheMax:    10000,
		},
		Enforcer: EnforcerConfig{
			BusinessHours:      "09:00-18:00",
			DelegationMaxDepth: 3,
			ConstraintTimeout:  30 * time.Second,
			ObligationTimeout:  30 * time.Second,
			ObligationRetries:  2,
			BlockTTL:           15 * time.Minute,
			SensitiveKeywords:  []string{".env", ".key", "password", "credential", "secret", "token"},
		},
		RateLimit: RateLimitConfig{
			DefaultLimit:  "100/min",
			KeyTemplate:   "{agent}:{action}:{resource_root}",
			SweepInterval: time.Minute,
		},
		Storage: StorageConfig{
			Driver:    "sqlite",
			Path:      "./aegis.db",
			Retention: 30 * 24 * time.Hour,
		},
		Anomaly: AnomalyConfig{
			RingMaxAge:      24 * time.Hour,
			RingMaxEntries:  100000,
			RapidThreshold:  10,
			RapidWindow:     60 * time.Second,
			DenialThreshold: 5,
			DenialWindow:    5 * time.Minute,
			SurgeThreshold:  3,
			SurgeWindow:     time.Hour,
			SurgeHistoryMax: 5,
			AutoMitigate:    true,
		},
		Anonymize: AnonymizeConfig{
			Keys: []string{"email", "phone", "ssn", "name", "address", "credit_card"},
		},
		PoliciesDir: "./policies",
	}
}
