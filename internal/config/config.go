package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for SalonReach.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Server   ServerConfig   `json:"server"`
	Browser  BrowserConfig  `json:"browser"`
	Timeouts TimeoutsConfig `json:"timeouts"`
	Campaign CampaignConfig `json:"campaign"`
	Phone    PhoneConfig    `json:"phone"`
	History  HistoryConfig  `json:"history"`
	Notify   NotifyConfig   `json:"notify"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	AllowedOrigins FlexStringList  `json:"allowedOrigins"`
	RateLimit      RateLimitConfig `json:"rateLimit"`
	MaxBodyBytes   int64           `json:"maxBodyBytes"`
	// ShutdownSeconds bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownSeconds int `json:"shutdownSeconds"`
}

// RateLimitConfig sets per-client request budgets over a sliding window.
type RateLimitConfig struct {
	Enabled         bool `json:"enabled"`
	WindowSeconds   int  `json:"windowSeconds"`
	GeneralRequests int  `json:"generalRequests"` // all routes
	StrictRequests  int  `json:"strictRequests"`  // initialize and send-campaign
}

type BrowserConfig struct {
	Headless   bool              `json:"headless"`
	ProfileDir string            `json:"profileDir"`
	ExecPath   string            `json:"execPath,omitempty"` // empty = let chromedp find Chrome
	Selectors  map[string]string `json:"selectors,omitempty"`
}

// TimeoutsConfig holds every automation timeout in milliseconds.
type TimeoutsConfig struct {
	LaunchMs       int `json:"launchMs"`
	NavigationMs   int `json:"navigationMs"`
	QRInitMs       int `json:"qrInitMs"`
	QRRestartMs    int `json:"qrRestartMs"`
	ProbeMs        int `json:"probeMs"`
	ComposeMs      int `json:"composeMs"`
	PreSubmitMs    int `json:"preSubmitMs"`
	PostSubmitMs   int `json:"postSubmitMs"`
	ConfirmationMs int `json:"confirmationMs"`
}

// CampaignConfig holds defaults for requests that omit options.
type CampaignConfig struct {
	DelayBetweenMessagesMs int `json:"delayBetweenMessagesMs"`
	MaxRetries             int `json:"maxRetries"`
	RetryBackoffMs         int `json:"retryBackoffMs"`
}

type PhoneConfig struct {
	CountryCode string `json:"countryCode"`
	AreaCode    string `json:"areaCode"`
}

type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
	ListLimit     int    `json:"listLimit"` // default page size for listings
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	ChatIDs   FlexStringList `json:"chatIds"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Ms converts a millisecond setting to a duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory (~/.salonreach).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".salonreach"
	}
	return filepath.Join(home, ".salonreach")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults loads path, falling back to Defaults when the file does not exist.
func LoadOrDefaults(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.expandPaths()
		return cfg, nil
	}
	return Load(path)
}

func (cfg *Config) expandPaths() {
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
	cfg.Browser.ExecPath = ExpandPath(cfg.Browser.ExecPath)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// The file may hold the bot token.
	return os.WriteFile(path, data, 0o600)
}

var digitsOnly = regexp.MustCompile(`^\d+$`)

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		errs = append(errs, "server.maxBodyBytes must be >= 1")
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		if rl.WindowSeconds < 1 {
			errs = append(errs, "server.rateLimit.windowSeconds must be >= 1")
		}
		if rl.GeneralRequests < 1 || rl.StrictRequests < 1 {
			errs = append(errs, "server.rateLimit request budgets must be >= 1")
		}
	}

	for key := range cfg.Browser.Selectors {
		if err := checkSelectorKey(key); err != nil {
			errs = append(errs, "browser.selectors: "+err.Error())
		}
	}

	t := cfg.Timeouts
	for _, f := range []struct {
		name string
		v    int
	}{
		{"launchMs", t.LaunchMs}, {"navigationMs", t.NavigationMs}, {"qrInitMs", t.QRInitMs},
		{"qrRestartMs", t.QRRestartMs}, {"probeMs", t.ProbeMs}, {"composeMs", t.ComposeMs},
		{"confirmationMs", t.ConfirmationMs},
	} {
		if f.v < 1 {
			errs = append(errs, fmt.Sprintf("timeouts.%s must be >= 1", f.name))
		}
	}
	if t.PreSubmitMs < 0 || t.PostSubmitMs < 0 {
		errs = append(errs, "timeouts.preSubmitMs and postSubmitMs must be >= 0")
	}

	if c := cfg.Campaign; c.DelayBetweenMessagesMs < 0 || c.DelayBetweenMessagesMs > 600000 {
		errs = append(errs, "campaign.delayBetweenMessagesMs must be between 0 and 600000")
	}
	if c := cfg.Campaign; c.MaxRetries < 1 || c.MaxRetries > 10 {
		errs = append(errs, "campaign.maxRetries must be between 1 and 10")
	}
	if cfg.Campaign.RetryBackoffMs < 0 {
		errs = append(errs, "campaign.retryBackoffMs must be >= 0")
	}

	if !digitsOnly.MatchString(cfg.Phone.CountryCode) {
		errs = append(errs, "phone.countryCode must contain digits only")
	}
	if len(cfg.Phone.AreaCode) != 2 || !digitsOnly.MatchString(cfg.Phone.AreaCode) {
		errs = append(errs, "phone.areaCode must be two digits")
	}

	if cfg.History.Enabled {
		if cfg.History.DBPath == "" {
			errs = append(errs, "history.dbPath is required when history is enabled")
		}
		if cfg.History.RetentionDays < 1 {
			errs = append(errs, "history.retentionDays must be >= 1")
		}
		if cfg.History.ListLimit < 1 {
			errs = append(errs, "history.listLimit must be >= 1")
		}
	}

	if tg := cfg.Notify.Telegram; tg.Enabled {
		if tg.Token == "" {
			errs = append(errs, "notify.telegram.token is required when telegram is enabled")
		}
		if len(tg.ChatIDs) == 0 {
			errs = append(errs, "notify.telegram.chatIds must list at least one chat")
		}
		for _, id := range tg.ChatIDs {
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				errs = append(errs, fmt.Sprintf("notify.telegram.chatIds: %q is not a numeric chat id", id))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
