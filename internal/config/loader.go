package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file, applies environment variable
// substitution, and hands out the parsed Config. Reload re-reads the
// same file so fsnotify callbacks can refresh a running process.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader creates a Loader pre-populated with DefaultConfig so that
// Get is usable before Load is called.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads and parses the config file at path. Values not present in
// the file keep their defaults.
func (l *Loader) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnv(string(raw))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the config file last passed to Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded, nothing to reload")
	}
	return l.Load(path)
}

// Get returns the current config. The returned pointer must be treated
// as read-only; Reload swaps in a fresh struct rather than mutating it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded config file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Discover looks for a config file in the conventional locations:
// ./aegis.yaml, then ~/.config/aegis/config.yaml. Returns "" if none exists.
func Discover() string {
	if _, err := os.Stat("aegis.yaml"); err == nil {
		return "aegis.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(home, ".config", "aegis", "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv substitutes ${VAR} references with environment values.
// ${VAR:-default} falls back to default when VAR is unset or empty.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		val := os.Getenv(groups[1])
		if val == "" && groups[2] != "" {
			return groups[3]
		}
		return val
	})
}

// GenerateDefault writes a commented starter config to path. Used by
// `aegis init`. Refuses to overwrite an existing file.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	content := `# AEGIS policy-enforcement proxy configuration.

server:
  port: 6780
  log_level: info
  cors: false
  # auth_token: ${AEGIS_ADMIN_TOKEN}

gateway:
  enabled: true
  upstream_url: http://localhost:8931/mcp
  agent_header: X-Aegis-Agent

engine:
  use_rules: true
  use_ai: true
  use_cache: true
  ai_threshold: 0.7
  ai_timeout: 30s
  ai_model: gpt-4o-mini
  cache_ttl: 300s
  cache_max: 10000

enforcer:
  business_hours: "09:00-18:00"
  delegation_max_depth: 3
  constraint_timeout: 30s
  obligation_timeout: 30s
  obligation_retries: 2
  block_ttl: 15m
  sensitive_keywords: [".env", ".key", "password", "credential", "secret", "token"]

rate_limit:
  default_limit: 100/min
  key_template: "{agent}:{action}:{resource_root}"
  sweep_interval: 1m

storage:
  driver: sqlite
  path: ./aegis.db
  retention: 720h

anomaly:
  ring_max_age: 24h
  rapid_threshold: 10
  rapid_window: 60s
  denial_threshold: 5
  denial_window: 5m
  surge_threshold: 3
  surge_window: 1h
  surge_history_max: 5
  auto_mitigate: true

# alerts:
#   slack:
#     webhook_url: ${SLACK_WEBHOOK_URL}
#     channel: "#aegis-alerts"
#   webhook:
#     url: https://example.com/hooks/aegis
#     secret: ${AEGIS_WEBHOOK_SECRET}

anonymize:
  keys: [email, phone, ssn, name, address, credit_card]

policies_dir: ./policies
`
	return os.WriteFile(path, []byte(content), 0o644)
}
