// Package config defines the configuration contract and handles loading and
// validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken     = "TELEGRAM_TOKEN"
	KeyBotOwner          = "BOT_OWNER"
	KeyAdminIDs          = "ADMIN_IDS"
	KeyMongoURI          = "MONGO_URI"
	KeyMongoDB           = "MONGO_DB"
	KeyMongoTransactions = "MONGO_TRANSACTIONS"
	KeyRedisURL          = "REDIS_URL"
	KeyAppEnv            = "APP_ENV"
	KeyLogLevel          = "LOG_LEVEL"
	KeyHTTPPort          = "HTTP_PORT"

	KeyPanelAPIURL        = "PANEL_API_URL"
	KeyPanelAPIToken      = "PANEL_API_TOKEN"
	KeyPanelPageSize      = "PANEL_PAGE_SIZE"
	KeyPanelTimeout       = "PANEL_TIMEOUT"
	KeyPanelWebhookSecret = "PANEL_WEBHOOK_SECRET"

	KeyTrafficLimitBytes = "USER_TRAFFIC_LIMIT_BYTES"
	KeySyncOnStartup     = "SYNC_ON_STARTUP"
	KeySyncInterval      = "SYNC_INTERVAL"
	KeySyncLockTTL       = "SYNC_LOCK_TTL"

	KeySupportSessionTTL = "SUPPORT_SESSION_TTL"
	KeyNotifications     = "SUBSCRIPTION_NOTIFICATIONS"
	KeyNotifyDaysBefore  = "SUBSCRIPTION_NOTIFY_DAYS_BEFORE"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv   = EnvProduction
	DefaultLogLevel = "info"
	DefaultHTTPPort = 8080

	// Recommended database names by environment.
	DefaultMongoDBProd = "vpn_shop"
	DefaultMongoDBDev  = "vpn_shop_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{Key: KeyTelegramToken, Example: "123:ABC", Required: true, Description: "Telegram Bot Token issued by BotFather."},
	{Key: KeyBotOwner, Example: "123456789", Required: true, Description: "Super admin Telegram user_id with owner privileges."},
	{Key: KeyAdminIDs, Example: "111,222", Description: "Extra admin Telegram user_ids, comma separated."},
	{Key: KeyMongoURI, Example: "mongodb://localhost:27017", Required: true, Description: "MongoDB connection string."},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyMongoTransactions,
		Example:     "true",
		Default:     "true",
		Description: "Commit each panel sync pass in one multi-document transaction.",
		Notes:       "Requires a replica set; set false for a standalone mongod (writes are then applied sequentially).",
	},
	{Key: KeyRedisURL, Example: "redis://localhost:6379/0", Description: "Optional Redis for the sync run lock and support sessions."},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{Key: KeyLogLevel, Example: DefaultLogLevel, Default: DefaultLogLevel, Description: "Overrides default log level."},
	{Key: KeyHTTPPort, Example: strconv.Itoa(DefaultHTTPPort), Default: strconv.Itoa(DefaultHTTPPort), Description: "HTTP port for health and panel webhooks."},
	{Key: KeyPanelAPIURL, Example: "https://panel.example.com", Required: true, Description: "Base URL of the provisioning panel API."},
	{Key: KeyPanelAPIToken, Example: "eyJhbGci...", Required: true, Description: "Bearer token for the panel API."},
	{Key: KeyPanelPageSize, Example: "500", Default: "500", Description: "Users requested per panel page."},
	{Key: KeyPanelTimeout, Example: "30s", Default: "30s", Description: "HTTP timeout for a single panel request."},
	{Key: KeyPanelWebhookSecret, Example: "s3cr3t", Description: "HMAC secret for panel webhooks; empty disables verification."},
	{Key: KeyTrafficLimitBytes, Example: "0", Default: "0", Description: "Traffic limit stored on subscriptions created by sync (0 = unlimited)."},
	{Key: KeySyncOnStartup, Example: "true", Default: "true", Description: "Run one panel sync pass before polling starts."},
	{Key: KeySyncInterval, Example: "1h", Default: "0s", Description: "Periodic panel sync interval; 0 disables the schedule."},
	{Key: KeySyncLockTTL, Example: "10m", Default: "10m", Description: "Expiry of the distributed sync run lock."},
	{Key: KeySupportSessionTTL, Example: "30m", Default: "30m", Description: "How long a /support session waits for the user's message."},
	{Key: KeyNotifications, Example: "true", Default: "true", Description: "Send subscription expiry notices from panel webhooks."},
	{Key: KeyNotifyDaysBefore, Example: "3", Default: "3", Description: "Largest days-left value that still triggers an expiry notice."},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken     string
	BotOwnerID        int64
	AdminIDs          []int64
	MongoURI          string
	MongoDB           string
	MongoTransactions bool
	RedisURL          string
	AppEnv            string
	LogLevel          string
	HTTPPort          int

	Panel         PanelConfig
	Sync          SyncConfig
	Notifications NotificationConfig
}

// PanelConfig holds the provisioning panel connection settings.
type PanelConfig struct {
	APIURL        string        `env:"PANEL_API_URL"`
	APIToken      string        `env:"PANEL_API_TOKEN"`
	PageSize      int           `env:"PANEL_PAGE_SIZE" envDefault:"500"`
	Timeout       time.Duration `env:"PANEL_TIMEOUT" envDefault:"30s"`
	WebhookSecret string        `env:"PANEL_WEBHOOK_SECRET"`
}

// SyncConfig controls when and how panel reconciliation runs.
type SyncConfig struct {
	TrafficLimitBytes int64         `env:"USER_TRAFFIC_LIMIT_BYTES" envDefault:"0"`
	OnStartup         bool          `env:"SYNC_ON_STARTUP" envDefault:"true"`
	Interval          time.Duration `env:"SYNC_INTERVAL" envDefault:"0s"`
	LockTTL           time.Duration `env:"SYNC_LOCK_TTL" envDefault:"10m"`
	SupportSessionTTL time.Duration `env:"SUPPORT_SESSION_TTL" envDefault:"30m"`
}

// NotificationConfig controls user-facing subscription notices.
type NotificationConfig struct {
	Enabled    bool `env:"SUBSCRIPTION_NOTIFICATIONS" envDefault:"true"`
	DaysBefore int  `env:"SUBSCRIPTION_NOTIFY_DAYS_BEFORE" envDefault:"3"`
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:            firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken:     strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:          strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:           strings.TrimSpace(os.Getenv(KeyMongoDB)),
		MongoTransactions: true,
		RedisURL:          strings.TrimSpace(os.Getenv(KeyRedisURL)),
		LogLevel:          firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:          DefaultHTTPPort,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg.Panel); err != nil {
		return Config{}, fmt.Errorf("parse panel settings: %w", err)
	}
	if err := env.Parse(&cfg.Sync); err != nil {
		return Config{}, fmt.Errorf("parse sync settings: %w", err)
	}
	if err := env.Parse(&cfg.Notifications); err != nil {
		return Config{}, fmt.Errorf("parse notification settings: %w", err)
	}
	cfg.Panel.APIURL = strings.TrimRight(strings.TrimSpace(cfg.Panel.APIURL), "/")
	cfg.Panel.APIToken = strings.TrimSpace(cfg.Panel.APIToken)

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	ownerRaw := strings.TrimSpace(os.Getenv(KeyBotOwner))
	if ownerRaw == "" {
		missing = append(missing, KeyBotOwner)
	} else {
		ownerID, parseErr := strconv.ParseInt(ownerRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBotOwner, parseErr)
		}
		cfg.BotOwnerID = ownerID
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if cfg.Panel.APIURL == "" {
		missing = append(missing, KeyPanelAPIURL)
	}

	if cfg.Panel.APIToken == "" {
		missing = append(missing, KeyPanelAPIToken)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if !strings.HasPrefix(cfg.MongoURI, "mongodb://") && !strings.HasPrefix(cfg.MongoURI, "mongodb+srv://") {
		return Config{}, fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
	}

	if parsed, parseErr := url.Parse(cfg.Panel.APIURL); parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Config{}, fmt.Errorf("invalid %s: expected absolute URL", KeyPanelAPIURL)
	}

	if cfg.Panel.PageSize <= 0 {
		return Config{}, fmt.Errorf("%s must be greater than 0", KeyPanelPageSize)
	}
	if cfg.Panel.Timeout <= 0 {
		return Config{}, fmt.Errorf("%s must be greater than 0", KeyPanelTimeout)
	}
	if cfg.Sync.TrafficLimitBytes < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", KeyTrafficLimitBytes)
	}
	if cfg.Sync.Interval < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", KeySyncInterval)
	}

	httpPortRaw := strings.TrimSpace(os.Getenv(KeyHTTPPort))
	if httpPortRaw != "" {
		port, parseErr := strconv.Atoi(httpPortRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	if raw := strings.TrimSpace(os.Getenv(KeyMongoTransactions)); raw != "" {
		enabled, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyMongoTransactions, parseErr)
		}
		cfg.MongoTransactions = enabled
	}

	adminIDs, err := parseIDList(os.Getenv(KeyAdminIDs))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyAdminIDs, err)
	}
	cfg.AdminIDs = adminIDs

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// FormatRedacted renders the resolved configuration with secrets masked.
func FormatRedacted(cfg Config) string {
	lines := []string{
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"telegram_token: " + maskSecret(cfg.TelegramToken),
		"bot_owner: " + strconv.FormatInt(cfg.BotOwnerID, 10),
		"admin_ids: " + formatIDList(cfg.AdminIDs),
		"mongo_uri: " + redactURL(cfg.MongoURI),
		"mongo_db: " + cfg.MongoDB,
		"mongo_transactions: " + strconv.FormatBool(cfg.MongoTransactions),
		"redis_url: " + redactURL(cfg.RedisURL),
		"panel_api_url: " + cfg.Panel.APIURL,
		"panel_api_token: " + maskSecret(cfg.Panel.APIToken),
		"panel_page_size: " + strconv.Itoa(cfg.Panel.PageSize),
		"panel_timeout: " + cfg.Panel.Timeout.String(),
		"panel_webhook_secret: " + maskSecret(cfg.Panel.WebhookSecret),
		"traffic_limit_bytes: " + strconv.FormatInt(cfg.Sync.TrafficLimitBytes, 10),
		"sync_on_startup: " + strconv.FormatBool(cfg.Sync.OnStartup),
		"sync_interval: " + cfg.Sync.Interval.String(),
		"sync_lock_ttl: " + cfg.Sync.LockTTL.String(),
		"support_session_ttl: " + cfg.Sync.SupportSessionTTL.String(),
		"notifications: " + strconv.FormatBool(cfg.Notifications.Enabled),
		"notify_days_before: " + strconv.Itoa(cfg.Notifications.DaysBefore),
	}

	return strings.Join(lines, "\n")
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func parseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func formatIDList(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "...redacted"
	}
	return value[:4] + "...redacted"
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "unparseable...redacted"
	}
	parsed.User = nil

	return parsed.String()
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
