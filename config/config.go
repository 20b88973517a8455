package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradeengine/internal/adapters/logger"
	"tradeengine/internal/domain"
)

// Config holds process-level settings: venue credentials and
// endpoints, persistence, logging, and stream reconnect tuning.
// Trading defaults live in the separate GlobalDefaults YAML so they
// can be edited without touching the environment.
type Config struct {
	// Venue API
	APIKey      string
	SecretKey   string
	UseTestnet  bool
	RestBaseURL string // empty means the adapter's default for the chosen network
	WSBaseURL   string

	// Account identity used for trades opened by this process in the
	// single-account deployment.
	UserID string

	// Database
	DBPath string

	// Trading defaults file (YAML)
	GlobalDefaultsPath string

	// Logging
	LogLevel logger.LogLevel

	// Timeouts and stream reconnect tuning
	RestTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	cfg.APIKey = getEnv("VENUE_API_KEY", "")
	cfg.SecretKey = getEnv("VENUE_API_SECRET", "")
	cfg.UseTestnet = getEnvAsBool("IS_TESTNET", true) // default to testnet for safety
	cfg.RestBaseURL = getEnv("VENUE_REST_BASE_URL", "")
	cfg.WSBaseURL = getEnv("VENUE_WS_BASE_URL", defaultWSBase(cfg.UseTestnet))

	if cfg.APIKey == "" {
		errs = append(errs, "VENUE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "VENUE_API_SECRET must be set")
	}

	cfg.UserID = getEnv("ACCOUNT_USER_ID", "default")

	cfg.DBPath = getEnv("DB_PATH", "./data/tradeengine.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.GlobalDefaultsPath = getEnv("GLOBAL_DEFAULTS_PATH", "./config/defaults.yaml")

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	restTimeoutSeconds := getEnvAsInt("REST_TIMEOUT_SECONDS", 10)
	if restTimeoutSeconds <= 0 {
		errs = append(errs, "REST_TIMEOUT_SECONDS must be positive")
	}
	cfg.RestTimeout = time.Duration(restTimeoutSeconds) * time.Second

	baseMs := getEnvAsInt("STREAM_RECONNECT_BASE_MS", 1000)
	if baseMs <= 0 {
		errs = append(errs, "STREAM_RECONNECT_BASE_MS must be positive")
	}
	cfg.ReconnectBaseDelay = time.Duration(baseMs) * time.Millisecond

	maxMs := getEnvAsInt("STREAM_RECONNECT_MAX_MS", 60_000)
	if maxMs < baseMs {
		errs = append(errs, "STREAM_RECONNECT_MAX_MS must be >= STREAM_RECONNECT_BASE_MS")
	}
	cfg.ReconnectMaxDelay = time.Duration(maxMs) * time.Millisecond

	cfg.MaxReconnectAttempts = getEnvAsInt("STREAM_MAX_ATTEMPTS", 20)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "STREAM_MAX_ATTEMPTS cannot be negative")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

func defaultWSBase(testnet bool) string {
	if testnet {
		return "wss://stream.binancefuture.com"
	}
	return "wss://fstream.binance.com"
}

// globalDefaultsFile mirrors the YAML layout of the trading-defaults
// file: a risk block and a dedup block.
type globalDefaultsFile struct {
	Risk struct {
		RiskPercent       float64  `yaml:"riskPercent"`
		MaxPositionUsdt   float64  `yaml:"maxPositionUsdt"`
		MaxDailyLossUsdt  float64  `yaml:"maxDailyLossUsdt"`
		MaxDcaLayers      int      `yaml:"maxDcaLayers"`
		DcaRiskMultiplier float64  `yaml:"dcaRiskMultiplier"`
		FixedLeverage     int      `yaml:"fixedLeverage"`
		AllowedSymbols    []string `yaml:"allowedSymbols"`
		DefaultSymbol     string   `yaml:"defaultSymbol"`
	} `yaml:"risk"`
	Dedup struct {
		Enabled       *bool `yaml:"enabled"`
		WindowSeconds int   `yaml:"windowSeconds"`
	} `yaml:"dedup"`
}

// TradingDefaults bundles the per-user global defaults with the dedup
// window, which tunes the Deduplicator component rather than the
// per-user effective config.
type TradingDefaults struct {
	Globals     domain.GlobalDefaults
	DedupWindow time.Duration
}

// LoadGlobalDefaults reads the trading-defaults YAML. A missing file
// yields built-in conservative defaults rather than an error.
func LoadGlobalDefaults(path string) (TradingDefaults, error) {
	out := TradingDefaults{
		Globals: domain.GlobalDefaults{
			RiskPercent:       0.02,
			MaxPositionUsdt:   0,
			MaxDailyLossUsdt:  0,
			MaxDcaPerSymbol:   3,
			DcaRiskMultiplier: 1.0,
			FixedLeverage:     10,
			AllowedSymbols:    []string{"BTCUSDT", "ETHUSDT"},
			DedupEnabled:      true,
			DefaultSymbol:     "BTCUSDT",
		},
		DedupWindow: 60 * time.Second,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, fmt.Errorf("reading trading defaults %s: %w", path, err)
	}

	var file globalDefaultsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return out, fmt.Errorf("parsing trading defaults %s: %w", path, err)
	}

	if file.Risk.RiskPercent > 0 {
		out.Globals.RiskPercent = file.Risk.RiskPercent
	}
	if file.Risk.MaxPositionUsdt > 0 {
		out.Globals.MaxPositionUsdt = file.Risk.MaxPositionUsdt
	}
	if file.Risk.MaxDailyLossUsdt > 0 {
		out.Globals.MaxDailyLossUsdt = file.Risk.MaxDailyLossUsdt
	}
	if file.Risk.MaxDcaLayers > 0 {
		out.Globals.MaxDcaPerSymbol = file.Risk.MaxDcaLayers
	}
	if file.Risk.DcaRiskMultiplier > 0 {
		out.Globals.DcaRiskMultiplier = file.Risk.DcaRiskMultiplier
	}
	if file.Risk.FixedLeverage > 0 {
		out.Globals.FixedLeverage = file.Risk.FixedLeverage
	}
	if len(file.Risk.AllowedSymbols) > 0 {
		out.Globals.AllowedSymbols = file.Risk.AllowedSymbols
	}
	if file.Risk.DefaultSymbol != "" {
		out.Globals.DefaultSymbol = file.Risk.DefaultSymbol
	}
	if file.Dedup.Enabled != nil {
		out.Globals.DedupEnabled = *file.Dedup.Enabled
	}
	if file.Dedup.WindowSeconds > 0 {
		out.DedupWindow = time.Duration(file.Dedup.WindowSeconds) * time.Second
	}

	return out, nil
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
