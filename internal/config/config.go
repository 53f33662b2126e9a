// config.go - Environment configuration for the portal backend.
//
// Load reads every variable, applies defaults and reports all problems at
// once. Secrets and thresholds come only from here.
package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	Env         string
	TokenSecret string
	OTPSecret   string

	DatabaseURL string
	DBDriver    string

	Redis   RedisConfig
	S3      S3Config
	Twilio  TwilioConfig
	SMTP    SMTPConfig
	HTTP    HTTPConfig
	OTP     OTPConfig
	Cleanup CleanupConfig
	Log     LogConfig

	Version string
	Commit  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
}

func (c TwilioConfig) Enabled() bool { return c.AccountSID != "" }

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type HTTPConfig struct {
	CORSAllowedOrigins []string
	MaxPartBytes       int64
	MaxFileBytes       int64
	RateLimitPerMin    int
	TrustProxy         bool
}

type OTPConfig struct {
	SendLimit   int
	ResendLimit int
	Window      time.Duration
	TTL         time.Duration
	MaxAttempts int
}

// CleanupConfig drives the abandoned-upload sweeper. MaxAge must outlive
// the 24h upload session TTL.
type CleanupConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

type LogConfig struct {
	Format string
	Level  string
}

// Load reads the process environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(lookup func(string) string) (Config, error) {
	v := NewValidator(lookup)

	cfg := Config{
		Addr:        v.String("ADDR", ":8080"),
		Env:         v.String("APP_ENV", "development"),
		TokenSecret: v.Required("TOKEN_SECRET"),
		DatabaseURL: v.Required("DATABASE_URL"),
		DBDriver:    v.String("DB_DRIVER", "pgx"),
		Version:     v.String("APP_VERSION", "dev"),
		Commit:      v.String("APP_COMMIT", "unknown"),
	}
	cfg.OTPSecret = v.String("OTP_SECRET", cfg.TokenSecret)

	v.Addr("ADDR", cfg.Addr)
	v.Enum("APP_ENV", cfg.Env, []string{"development", "staging", "production"})
	v.MinLength("TOKEN_SECRET", cfg.TokenSecret, 32)
	v.MinLength("OTP_SECRET", cfg.OTPSecret, 32)
	v.Enum("DB_DRIVER", cfg.DBDriver, []string{"pgx", "postgres"})
	if cfg.DatabaseURL != "" &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		v.AddError("DATABASE_URL", "must be a valid PostgreSQL connection string")
	}

	cfg.Redis = RedisConfig{
		Addr:     v.String("REDIS_ADDR", "127.0.0.1:6379"),
		Password: v.String("REDIS_PASSWORD", ""),
		DB:       v.NonNegativeInt("REDIS_DB", 0),
	}

	cfg.S3 = S3Config{
		Endpoint:  v.Required("S3_ENDPOINT"),
		AccessKey: v.Required("S3_ACCESS_KEY"),
		SecretKey: v.Required("S3_SECRET_KEY"),
		Bucket:    v.Required("S3_BUCKET"),
		UseSSL:    v.Bool("S3_USE_SSL", false),
	}

	cfg.Twilio = TwilioConfig{
		AccountSID: v.String("TWILIO_ACCOUNT_SID", ""),
		AuthToken:  v.String("TWILIO_AUTH_TOKEN", ""),
		From:       v.String("TWILIO_FROM", ""),
	}
	if cfg.Twilio.Enabled() && (cfg.Twilio.AuthToken == "" || cfg.Twilio.From == "") {
		v.AddError("TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN and TWILIO_FROM are required when Twilio is configured")
	}

	cfg.SMTP = SMTPConfig{
		Host:     v.String("SMTP_HOST", ""),
		Port:     v.String("SMTP_PORT", "587"),
		Username: v.String("SMTP_USERNAME", ""),
		Password: v.String("SMTP_PASSWORD", ""),
		From:     v.String("SMTP_FROM", ""),
	}
	v.EmailAddress("SMTP_FROM", cfg.SMTP.From)
	if cfg.SMTP.Enabled() {
		v.Addr("SMTP_PORT", ":"+cfg.SMTP.Port)
	}

	cfg.HTTP = HTTPConfig{
		MaxPartBytes:    v.PositiveInt64("MAX_PART_BYTES", 5<<20),
		MaxFileBytes:    v.PositiveInt64("MAX_FILE_BYTES", 100<<20),
		RateLimitPerMin: v.PositiveInt("RATE_LIMIT_PER_MIN", 120),
		TrustProxy:      v.Bool("TRUST_PROXY", false),
	}
	for _, o := range strings.Split(v.String("CORS_ALLOWED_ORIGINS", ""), ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		v.Origin("CORS_ALLOWED_ORIGINS", o)
		cfg.HTTP.CORSAllowedOrigins = append(cfg.HTTP.CORSAllowedOrigins, o)
	}

	cfg.OTP = OTPConfig{
		SendLimit:   v.PositiveInt("OTP_SEND_LIMIT", 3),
		ResendLimit: v.PositiveInt("OTP_RESEND_LIMIT", 5),
		Window:      v.Duration("OTP_WINDOW", 10*time.Minute),
		TTL:         v.Duration("OTP_TTL", 5*time.Minute),
		MaxAttempts: v.PositiveInt("OTP_MAX_ATTEMPTS", 3),
	}

	cfg.Cleanup = CleanupConfig{
		Interval: v.Duration("CLEANUP_INTERVAL", time.Hour),
		MaxAge:   v.Duration("CLEANUP_MAX_AGE", 25*time.Hour),
	}
	if cfg.Cleanup.MaxAge < 24*time.Hour {
		v.AddError("CLEANUP_MAX_AGE", "must be at least 24h so live uploads are not swept")
	}

	cfg.Log = LogConfig{
		Format: v.String("LOG_FORMAT", ""),
		Level:  v.String("LOG_LEVEL", "info"),
	}
	v.Enum("LOG_FORMAT", cfg.Log.Format, []string{"json", "text"})
	v.Enum("LOG_LEVEL", cfg.Log.Level, []string{"debug", "info", "warn", "error"})
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
		if cfg.Env == "production" {
			cfg.Log.Format = "json"
		}
	}

	if err := v.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Warnings lists optional settings that are missing.
func (c Config) Warnings() []string {
	var w []string
	if !c.Twilio.Enabled() {
		w = append(w, "TWILIO_ACCOUNT_SID not set - SMS verification codes cannot be delivered")
	}
	if !c.SMTP.Enabled() {
		w = append(w, "SMTP_HOST not set - email verification codes cannot be delivered")
	}
	if len(c.HTTP.CORSAllowedOrigins) == 0 {
		w = append(w, "CORS_ALLOWED_ORIGINS not set - cross-origin requests will be refused")
	}
	return w
}
