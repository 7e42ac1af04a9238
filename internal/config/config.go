// Package config loads each service's environment-variable
// configuration, following the teacher's internal/config/config.go
// getEnv/getEnvAsInt/getEnvAsBool + godotenv.Load pattern, generalized
// to one Config type per daemon (DMS, PPT, ZuiLow, Stime).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

func init() {
	_ = godotenv.Load()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsStringMap(key string, defaultValue map[string]string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	out := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// DMS holds the DMS daemon's configuration (spec §4.3, §6.1).
type DMS struct {
	Port         int
	DevMode      bool
	DatabasePath string
	BarStore     string // "sqlite" | "s3"
	S3Bucket     string
	S3Prefix     string
	Role         string // "master" | "replica"
	ReplicaOf    string // upstream URL when Role == "replica"
	Symbols      []string
	Interval     string // bar interval the default task universe maintains, e.g. "1d"
	LogLevel     string
}

// LoadDMS reads DMS configuration from the environment.
func LoadDMS() (*DMS, error) {
	cfg := &DMS{
		Port:         getEnvAsInt("DMS_PORT", 8010),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		DatabasePath: getEnv("DMS_DATABASE_PATH", "./data/dms.db"),
		BarStore:     getEnv("DMS_BAR_STORE", "sqlite"),
		S3Bucket:     getEnv("DMS_S3_BUCKET", ""),
		S3Prefix:     getEnv("DMS_S3_PREFIX", "bars/"),
		Role:         getEnv("DMS_ROLE", "master"),
		ReplicaOf:    getEnv("DMS_REPLICA_OF", ""),
		Symbols:      getEnvAsList("DMS_SYMBOLS", []string{"AAPL", "MSFT", "SPY"}),
		Interval:     getEnv("DMS_INTERVAL", "1d"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required DMS fields.
func (c *DMS) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: DMS_DATABASE_PATH is required")
	}
	if c.BarStore == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("config: DMS_S3_BUCKET is required when DMS_BAR_STORE=s3")
	}
	if c.Role != "master" && c.Role != "replica" {
		return fmt.Errorf("config: DMS_ROLE must be master or replica, got %q", c.Role)
	}
	if c.Role == "replica" && c.ReplicaOf == "" {
		return fmt.Errorf("config: DMS_REPLICA_OF is required when DMS_ROLE=replica")
	}
	return nil
}

// PPT holds the PaperBook daemon's configuration (spec §4.4, §6.2).
type PPT struct {
	Port                 int
	DevMode               bool
	DatabasePath          string
	WebhookToken          string
	DefaultInitialCapital float64
	SlippageBps           float64
	CommissionBps         float64
	QuoteSourceURL        string // DMS base URL, used as the fallback quote source
	LogLevel              string
}

// LoadPPT reads PPT configuration from the environment.
func LoadPPT() (*PPT, error) {
	cfg := &PPT{
		Port:                  getEnvAsInt("PPT_PORT", 8020),
		DevMode:               getEnvAsBool("DEV_MODE", false),
		DatabasePath:          getEnv("PPT_DATABASE_PATH", "./data/ppt.db"),
		WebhookToken:          getEnv("PPT_WEBHOOK_TOKEN", ""),
		DefaultInitialCapital: getEnvAsFloat("PPT_DEFAULT_INITIAL_CAPITAL", 100000),
		SlippageBps:           getEnvAsFloat("PPT_SLIPPAGE_BPS", 5),
		CommissionBps:         getEnvAsFloat("PPT_COMMISSION_BPS", 2),
		QuoteSourceURL:        getEnv("PPT_QUOTE_SOURCE_URL", "http://localhost:8010"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required PPT fields.
func (c *PPT) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: PPT_DATABASE_PATH is required")
	}
	if c.DefaultInitialCapital <= 0 {
		return fmt.Errorf("config: PPT_DEFAULT_INITIAL_CAPITAL must be > 0")
	}
	return nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// ZuiLow holds the ZuiLow scheduler daemon's configuration (spec §4.7,
// §4.8, §4.9, §6.3).
type ZuiLow struct {
	Port             int
	DevMode          bool
	DatabasePath     string
	SignalStorePath  string
	Workers          int
	WakeIntervalSecs int
	DefaultAccount   string
	AccountTypes     map[string]string // account name -> broker type
	DMSBaseURL       string
	PaperBaseURL     string
	FutuBaseURL      string
	IBKRBaseURL      string
	LogLevel         string
}

// LoadZuiLow reads ZuiLow configuration from the environment.
func LoadZuiLow() (*ZuiLow, error) {
	cfg := &ZuiLow{
		Port:             getEnvAsInt("ZUILOW_PORT", 8030),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		DatabasePath:     getEnv("ZUILOW_DATABASE_PATH", "./data/zuilow.db"),
		SignalStorePath:  getEnv("ZUILOW_SIGNALS_PATH", "./data/signals.db"),
		Workers:          getEnvAsInt("ZUILOW_WORKERS", 3),
		WakeIntervalSecs: getEnvAsInt("ZUILOW_WAKE_INTERVAL_SECONDS", 30),
		DefaultAccount:   getEnv("ZUILOW_DEFAULT_ACCOUNT", "default"),
		AccountTypes:     getEnvAsStringMap("ZUILOW_ACCOUNT_TYPES", map[string]string{"default": "paper"}),
		DMSBaseURL:       getEnv("DMS_BASE_URL", "http://localhost:8010"),
		PaperBaseURL:     getEnv("PPT_BASE_URL", "http://localhost:8020"),
		FutuBaseURL:      getEnv("FUTU_GATEWAY_URL", "http://localhost:11111"),
		IBKRBaseURL:      getEnv("IBKR_GATEWAY_URL", "https://localhost:5000"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required ZuiLow fields.
func (c *ZuiLow) Validate() error {
	if c.DatabasePath == "" || c.SignalStorePath == "" {
		return fmt.Errorf("config: ZUILOW_DATABASE_PATH and ZUILOW_SIGNALS_PATH are required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: ZUILOW_WORKERS must be >= 1")
	}
	if c.WakeIntervalSecs < 1 || c.WakeIntervalSecs > 60 {
		return fmt.Errorf("config: ZUILOW_WAKE_INTERVAL_SECONDS must be in [1,60]")
	}
	if _, ok := c.AccountTypes[c.DefaultAccount]; !ok {
		return fmt.Errorf("config: ZUILOW_DEFAULT_ACCOUNT %q has no entry in ZUILOW_ACCOUNT_TYPES", c.DefaultAccount)
	}
	return nil
}

// Stime holds the Stime driver daemon's configuration (spec §4.10, §6.4).
type Stime struct {
	Port              int
	DevMode           bool
	TickURLs          []string
	ZuilowTickTimeout int
	WebhookToken      string
	InitialNow        string // RFC3339, empty => real-mode clock
	LogLevel          string
}

// LoadStime reads Stime configuration from the environment.
func LoadStime() (*Stime, error) {
	cfg := &Stime{
		Port:              getEnvAsInt("STIME_PORT", 8040),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		TickURLs:          getEnvAsList("STIME_TICK_URLS", []string{"http://localhost:8030/api/scheduler/tick"}),
		ZuilowTickTimeout: getEnvAsInt("STIME_TICK_TIMEOUT_SECONDS", 600),
		WebhookToken:      getEnv("STIME_WEBHOOK_TOKEN", ""),
		InitialNow:        getEnv("STIME_INITIAL_NOW", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required Stime fields.
func (c *Stime) Validate() error {
	if c.ZuilowTickTimeout < 1 {
		return fmt.Errorf("config: STIME_TICK_TIMEOUT_SECONDS must be >= 1")
	}
	return nil
}
