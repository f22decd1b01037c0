package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Dispatch DispatchConfig
	Webhook  WebhookConfig
	Stats    StatsConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// GatewayConfig configures the message delivery provider.
type GatewayConfig struct {
	AccountSID     string
	AuthToken      string
	WhatsAppNumber string
	TemplateSID    string
	DryRun         bool
}

// DispatchConfig tunes the campaign send loop.
type DispatchConfig struct {
	ChunkSize int
	SendDelay time.Duration
	// ResendMessaged widens the eligibility filter to numbers that already
	// received a verification message. Verified numbers stay excluded.
	ResendMessaged bool
}

// WebhookConfig bounds the lookup retry used to absorb the race between the
// dispatcher's commit and the provider's first status callback.
type WebhookConfig struct {
	LookupAttempts int
	LookupDelay    time.Duration
}

type StatsConfig struct {
	RefreshInterval time.Duration
}

func LoadAll() (*Config, error) {
	var errs []error

	postgresURL, err := requireEnv("POSTGRES_URL")
	if err != nil {
		errs = append(errs, err)
	}
	accountSID, err := requireEnv("TWILIO_ACCOUNT_SID")
	if err != nil {
		errs = append(errs, err)
	}
	authToken, err := requireEnv("TWILIO_AUTH_TOKEN")
	if err != nil {
		errs = append(errs, err)
	}
	whatsappNumber, err := requireEnv("TWILIO_WHATSAPP_NUMBER")
	if err != nil {
		errs = append(errs, err)
	}
	templateSID, err := requireEnv("VERIFICATION_TEMPLATE_SID")
	if err != nil {
		errs = append(errs, err)
	}

	chunkSize, err := getEnvInt("CAMPAIGN_CHUNK_SIZE", 10)
	if err != nil {
		errs = append(errs, err)
	}
	sendDelayMS, err := getEnvInt("SEND_DELAY_MS", 1100)
	if err != nil {
		errs = append(errs, err)
	}
	lookupAttempts, err := getEnvInt("WEBHOOK_LOOKUP_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, err)
	}
	lookupDelayMS, err := getEnvInt("WEBHOOK_LOOKUP_DELAY_MS", 250)
	if err != nil {
		errs = append(errs, err)
	}
	statsRefreshSec, err := getEnvInt("STATS_REFRESH_SECONDS", 300)
	if err != nil {
		errs = append(errs, err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Redis: redisCfg,
		Gateway: GatewayConfig{
			AccountSID:     accountSID,
			AuthToken:      authToken,
			WhatsAppNumber: whatsappNumber,
			TemplateSID:    templateSID,
			DryRun:         getEnv("TWILIO_DRY_RUN", "") == "true",
		},
		Dispatch: DispatchConfig{
			ChunkSize:      chunkSize,
			SendDelay:      time.Duration(sendDelayMS) * time.Millisecond,
			ResendMessaged: getEnv("DISPATCH_RESEND_MESSAGED", "") == "true",
		},
		Webhook: WebhookConfig{
			LookupAttempts: lookupAttempts,
			LookupDelay:    time.Duration(lookupDelayMS) * time.Millisecond,
		},
		Stats: StatsConfig{
			RefreshInterval: time.Duration(statsRefreshSec) * time.Second,
		},
	}

	errs = append(errs, validate(cfg)...)

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	ttlSec, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttlSec) * time.Second,
	}, nil
}

func validate(cfg *Config) []error {
	var errs []error

	if cfg.Dispatch.ChunkSize <= 0 {
		errs = append(errs, errors.New("CAMPAIGN_CHUNK_SIZE must be > 0"))
	}
	if cfg.Dispatch.SendDelay <= 0 {
		errs = append(errs, errors.New("SEND_DELAY_MS must be > 0"))
	}
	if cfg.Webhook.LookupAttempts <= 0 {
		errs = append(errs, errors.New("WEBHOOK_LOOKUP_ATTEMPTS must be > 0"))
	}
	if cfg.Webhook.LookupDelay <= 0 {
		errs = append(errs, errors.New("WEBHOOK_LOOKUP_DELAY_MS must be > 0"))
	}
	if cfg.Stats.RefreshInterval <= 0 {
		errs = append(errs, errors.New("STATS_REFRESH_SECONDS must be > 0"))
	}
	return errs
}

func joinErrors(errs []error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return errors.Join(nonNil...)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}
