// Package config loads saxofolio settings from an optional YAML file, a
// dotenv file and environment variables, in increasing order of priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for saxofolio.
type Config struct {
	Saxo       Saxo       `yaml:"saxo"`
	Ghostfolio Ghostfolio `yaml:"ghostfolio"`
	Sync       Sync       `yaml:"sync"`
	Logging    Logging    `yaml:"logging"`
}

// Saxo holds credentials and settings for the broker OpenAPI.
type Saxo struct {
	AccountKey      string `yaml:"account_key"`
	AppKey          string `yaml:"app_key"`
	AppSecret       string `yaml:"app_secret"`
	RedirectURI     string `yaml:"redirect_uri"`
	UseProduction   bool   `yaml:"use_production"`
	TokenDB         string `yaml:"token_db"` // sqlite token store; empty keeps tokens in EnvFile
	EnvFile         string `yaml:"env_file"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Ghostfolio holds the tracker endpoint and account settings.
type Ghostfolio struct {
	Host        string `yaml:"host"`
	Key         string `yaml:"key"`
	AccountName string `yaml:"account_name"`
	Currency    string `yaml:"currency"`
	PlatformID  string `yaml:"platform_id"`
}

// Sync controls a synchronization run.
type Sync struct {
	HistoryDays       int    `yaml:"history_days"`
	ChunkSize         int    `yaml:"chunk_size"`
	SymbolMappingFile string `yaml:"symbol_mapping_file"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		Saxo: Saxo{
			RedirectURI:     "http://localhost:5000/callback",
			EnvFile:         ".env",
			RateLimitPerMin: 120,
		},
		Ghostfolio: Ghostfolio{
			Host:        "https://ghostfol.io",
			AccountName: "Saxo Bank",
			Currency:    "USD",
		},
		Sync: Sync{
			HistoryDays:       365,
			ChunkSize:         10,
			SymbolMappingFile: "mapping.yaml",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDotEnv loads variables from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load starts from Defaults, merges the YAML configuration file at path when
// it exists, and then applies environment variable overrides. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SAXO_ACCOUNT_KEY"); v != "" {
		cfg.Saxo.AccountKey = v
	}
	if v := os.Getenv("SAXO_APP_KEY"); v != "" {
		cfg.Saxo.AppKey = v
	}
	if v := os.Getenv("SAXO_APP_SECRET"); v != "" {
		cfg.Saxo.AppSecret = v
	}
	if v := os.Getenv("SAXO_REDIRECT_URI"); v != "" {
		cfg.Saxo.RedirectURI = v
	}
	if v := os.Getenv("SAXO_USE_PRODUCTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SAXO_USE_PRODUCTION: %w", err)
		}
		cfg.Saxo.UseProduction = b
	}
	if v := os.Getenv("SAXO_TOKEN_DB"); v != "" {
		cfg.Saxo.TokenDB = v
	}

	if v := os.Getenv("GHOST_HOST"); v != "" {
		cfg.Ghostfolio.Host = v
	}
	if v := os.Getenv("GHOST_KEY"); v != "" {
		cfg.Ghostfolio.Key = v
	}
	if v := os.Getenv("GHOST_ACCOUNT_NAME"); v != "" {
		cfg.Ghostfolio.AccountName = v
	}
	if v := os.Getenv("GHOST_CURRENCY"); v != "" {
		cfg.Ghostfolio.Currency = strings.ToUpper(v)
	}
	if v := os.Getenv("GHOST_SAXO_PLATFORM"); v != "" {
		cfg.Ghostfolio.PlatformID = v
	}

	if v := os.Getenv("SYMBOL_MAPPING_FILE"); v != "" {
		cfg.Sync.SymbolMappingFile = v
	}
	if v := os.Getenv("SYNC_HISTORY_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SYNC_HISTORY_DAYS: %w", err)
		}
		cfg.Sync.HistoryDays = n
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var (
	// ErrMissing is wrapped by Validate when required settings are empty.
	ErrMissing = errors.New("missing required configuration")

	// ErrInvalid is wrapped by Validate when a setting has an unusable value.
	ErrInvalid = errors.New("invalid configuration")
)

// Operations accepted by Validate.
const (
	OpSync             = "sync"
	OpDeleteActivities = "delete-activities"
	OpListActivities   = "list-activities"
	OpAccounts         = "accounts"
	OpLogin            = "login"
)

// Validate checks that everything op needs is present, before any network
// call is made.
func (c *Config) Validate(op string) error {
	var missing []string
	need := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	usesBroker := op == OpSync || op == OpAccounts || op == OpLogin
	usesTracker := op == OpSync || op == OpDeleteActivities || op == OpListActivities

	if usesBroker {
		need(c.Saxo.AppKey, "SAXO_APP_KEY")
		need(c.Saxo.AppSecret, "SAXO_APP_SECRET")
	}
	if op == OpSync {
		need(c.Saxo.AccountKey, "SAXO_ACCOUNT_KEY")
	}
	if op == OpLogin {
		need(c.Saxo.RedirectURI, "SAXO_REDIRECT_URI")
	}
	if usesTracker {
		need(c.Ghostfolio.Host, "GHOST_HOST")
		need(c.Ghostfolio.Key, "GHOST_KEY")
		need(c.Ghostfolio.AccountName, "GHOST_ACCOUNT_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	if usesTracker && money.GetCurrency(c.Ghostfolio.Currency) == nil {
		return fmt.Errorf("%w: GHOST_CURRENCY %q is not an ISO 4217 code", ErrInvalid, c.Ghostfolio.Currency)
	}
	if c.Sync.HistoryDays <= 0 {
		return fmt.Errorf("%w: history days must be positive, got %d", ErrInvalid, c.Sync.HistoryDays)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Symbol mapping
// ---------------------------------------------------------------------------

type mappingFile struct {
	SymbolMapping map[string]string `yaml:"symbol_mapping"`
}

// LoadSymbolMapping reads the exact-match symbol overrides from path. A
// missing file yields an empty table.
func LoadSymbolMapping(path string) (map[string]string, error) {
	mapping := map[string]string{}
	if path == "" {
		return mapping, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return mapping, nil
	}
	if err != nil {
		return mapping, err
	}

	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return mapping, fmt.Errorf("parsing %s: %w", path, err)
	}
	for k, v := range f.SymbolMapping {
		if k != "" && v != "" {
			mapping[k] = v
		}
	}
	return mapping, nil
}
