package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// TrailParams holds the trailing policy for one symbol (or the global default).
// Exactly one of Distance or Percent must be set.
type TrailParams struct {
	Distance float64 `yaml:"distance"` // Trail distance in price units
	Percent  float64 `yaml:"percent"`  // Trail distance as a percentage of the extremum
	MinStep  float64 `yaml:"min_step"` // Minimum trigger improvement before a modify is issued
}

// Config holds all application configuration.
type Config struct {
	// Gateway session
	Host     string
	Port     int
	ClientID int
	Profile  string // Account/session label, included in sheet rows and alerts

	// Trailing policy
	Trailing  TrailParams
	Overrides map[string]TrailParams // Per-symbol overrides, keyed by symbol

	// Spreadsheet sink
	SheetID          string
	GoogleCredsPath  string
	LiveRange        string
	AdjustmentsRange string

	// Messaging sink
	TelegramToken  string
	TelegramChatID int64

	// Database
	DBPath string

	// Logging
	LogLevel string
	LogFile  string

	// Timeouts and retries
	AckTimeout           time.Duration
	MaxModifyRetries     int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// overridesFile is the on-disk shape of the per-symbol trailing overrides.
type overridesFile struct {
	Symbols map[string]TrailParams `yaml:"symbols"`
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Gateway session
	cfg.Host = getEnv("IB_HOST", "127.0.0.1")
	cfg.Port, err = getEnvAsIntRequired("IB_PORT", 7497)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid IB_PORT: %v", err))
	} else if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "IB_PORT must be a valid TCP port")
	}
	cfg.ClientID, err = getEnvAsIntRequired("IB_CLIENT_ID", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid IB_CLIENT_ID: %v", err))
	} else if cfg.ClientID < 0 {
		errs = append(errs, "IB_CLIENT_ID cannot be negative")
	}
	cfg.Profile = getEnv("PROFILE", "default")

	// Trailing policy
	cfg.Trailing.Distance, err = getEnvAsFloatRequired("TRAIL_DISTANCE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAIL_DISTANCE: %v", err))
	}
	cfg.Trailing.Percent, err = getEnvAsFloatRequired("TRAIL_PERCENT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAIL_PERCENT: %v", err))
	}
	cfg.Trailing.MinStep, err = getEnvAsFloatRequired("MIN_ADJUST_STEP", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_ADJUST_STEP: %v", err))
	}
	if verr := ValidateTrailParams(cfg.Trailing); verr != nil {
		errs = append(errs, verr.Error())
	}

	// Per-symbol overrides (optional YAML file)
	if path := getEnv("TRAIL_OVERRIDES_PATH", ""); path != "" {
		overrides, oerr := loadOverrides(path)
		if oerr != nil {
			errs = append(errs, fmt.Sprintf("invalid TRAIL_OVERRIDES_PATH: %v", oerr))
		} else {
			cfg.Overrides = overrides
		}
	}

	// Spreadsheet sink (optional as a whole; required fields checked together)
	cfg.SheetID = getEnv("SHEET_ID", "")
	cfg.GoogleCredsPath = getEnv("GOOGLE_CREDS", "credentials.json")
	cfg.LiveRange = getEnv("SHEET_LIVE_RANGE", "Live!A:G")
	cfg.AdjustmentsRange = getEnv("SHEET_ADJUSTMENTS_RANGE", "Adjustments!A:G")

	// Messaging sink (optional; both or neither)
	cfg.TelegramToken = getEnv("TELEGRAM_TOKEN", "")
	chatIDStr := getEnv("TELEGRAM_CHAT_ID", "")
	if chatIDStr != "" {
		cfg.TelegramChatID, err = strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid TELEGRAM_CHAT_ID: %v", err))
		}
	}
	if (cfg.TelegramToken == "") != (chatIDStr == "") {
		errs = append(errs, "TELEGRAM_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trailstop.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFile = getEnv("LOG_FILE", "./logs/trailstop.log")

	// Timeouts and retries
	ackTimeoutSeconds := getEnvAsInt("ACK_TIMEOUT_SECONDS", 10)
	if ackTimeoutSeconds <= 0 {
		errs = append(errs, "ACK_TIMEOUT_SECONDS must be positive")
	}
	cfg.AckTimeout = time.Duration(ackTimeoutSeconds) * time.Second

	cfg.MaxModifyRetries = getEnvAsInt("MAX_MODIFY_RETRIES", 3)
	if cfg.MaxModifyRetries < 0 {
		errs = append(errs, "MAX_MODIFY_RETRIES cannot be negative")
	}

	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// ValidateTrailParams checks that a trailing policy is internally consistent.
func ValidateTrailParams(p TrailParams) error {
	if p.Distance < 0 || p.Percent < 0 {
		return fmt.Errorf("trail distance and percent cannot be negative")
	}
	if p.Distance == 0 && p.Percent == 0 {
		return fmt.Errorf("one of trail distance or trail percent must be set")
	}
	if p.Distance > 0 && p.Percent > 0 {
		return fmt.Errorf("trail distance and trail percent are mutually exclusive")
	}
	if p.Percent >= 100 {
		return fmt.Errorf("trail percent must be below 100")
	}
	if p.MinStep < 0 {
		return fmt.Errorf("minimum adjustment step cannot be negative")
	}
	return nil
}

func loadOverrides(path string) (map[string]TrailParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file '%s': %w", path, err)
	}
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse overrides file '%s': %w", path, err)
	}
	overrides := make(map[string]TrailParams, len(file.Symbols))
	for symbol, params := range file.Symbols {
		if err := ValidateTrailParams(params); err != nil {
			return nil, fmt.Errorf("override for %s: %w", symbol, err)
		}
		overrides[strings.ToUpper(symbol)] = params
	}
	return overrides, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}
