package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	ServerAddr   string `validate:"required"`
	TrustProxy   bool
	MaxBodyBytes int64    `validate:"gt=0"` // bytes for a submission payload
	Outputs      []string `validate:"dive,oneof=log kafka postgres"` // enabled delivery sinks
	TestMode     bool

	// Integration configuration storage
	StoreDriver string `validate:"oneof=postgres sqlite"`
	StoreDSN    string

	// Submission dedup
	SessionStore string `validate:"oneof=memory redis"`
	RedisAddr    string `validate:"required_if=SessionStore redis"`
	SessionTTL   time.Duration

	// Fan-out timing
	ParentURLTimeout time.Duration `validate:"gt=0"`
	ChannelTimeout   time.Duration `validate:"gt=0"`

	// Meta Conversions API
	MetaGraphURL   string `validate:"required,url"`
	MetaAPIVersion string `validate:"required"`
	IPLookupURL    string `validate:"omitempty,url"`

	ConversionValue    decimal.Decimal
	ConversionCurrency string `validate:"len=3"`
	DefaultCountry     string `validate:"omitempty,len=2"`

	WebhookSourceTag     string `validate:"required"`
	WebhookSigningSecret string

	HMACSecret string // when set, submissions must carry a valid X-Formrelay-Signature
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}

func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getMillis(k string, def int64) time.Duration {
	return time.Duration(getInt64(k, def)) * time.Millisecond
}

func getDecimal(k, def string) decimal.Decimal {
	if v := os.Getenv(k); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(def)
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Load reads the configuration from the environment. A .env file in the
// working directory, if present, is applied first without overriding
// variables that are already set.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ServerAddr:   getOr("SERVER_ADDR", ":19890"),
		TrustProxy:   getBool("TRUST_PROXY", false),
		MaxBodyBytes: getInt64("MAX_BODY_BYTES", 1<<20), // 1 MiB default
		Outputs:      getStringSlice("OUTPUTS", "log"),  // default to log only
		TestMode:     getBool("TEST_MODE", false),

		StoreDriver: getOr("STORE_DRIVER", "postgres"),
		StoreDSN:    getOr("STORE_DSN", ""),

		SessionStore: getOr("SESSION_STORE", "memory"),
		RedisAddr:    getOr("REDIS_ADDR", ""),
		SessionTTL:   getMillis("SESSION_TTL_MS", 10*60*1000),

		ParentURLTimeout: getMillis("PARENT_URL_TIMEOUT_MS", 1000),
		ChannelTimeout:   getMillis("CHANNEL_TIMEOUT_MS", 15000),

		MetaGraphURL:   getOr("META_GRAPH_URL", "https://graph.facebook.com"),
		MetaAPIVersion: getOr("META_API_VERSION", "v18.0"),
		IPLookupURL:    getOr("IP_LOOKUP_URL", ""),

		ConversionValue:    getDecimal("CONVERSION_VALUE", "1.0"),
		ConversionCurrency: strings.ToUpper(getOr("CONVERSION_CURRENCY", "BRL")),
		DefaultCountry:     strings.ToLower(getOr("DEFAULT_COUNTRY", "br")),

		WebhookSourceTag:     getOr("WEBHOOK_SOURCE_TAG", "formrelay"),
		WebhookSigningSecret: getOr("WEBHOOK_SIGNING_SECRET", ""),

		HMACSecret: getOr("HMAC_SECRET", ""),
	}
}

var validate = validator.New()

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
