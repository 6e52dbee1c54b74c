package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port        string
	DatabaseURL string

	// WhatsApp Graph API
	WhatsAppBaseURL     string
	WhatsAppAccessToken string
	WebhookVerifyToken  string
	WebhookPath         string

	// AI services
	AIServiceBaseURL string
	AIServiceAPIKey  string

	// Escalation routing when the AI hands a conversation to a human
	EscalationUserExternalID string
	EscalationTemplate       string

	// S3 blob storage for message media
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	// RabbitMQ pipeline events (optional, disabled when URL is empty)
	RabbitURL   string
	RabbitQueue string

	// Pipeline timings. Defaults match the production values; overridable
	// mostly so tests and staging can run faster.
	SweepInterval   time.Duration
	ChatWindow      time.Duration
	DeliveryDelay   time.Duration
	AIReplyDelay    time.Duration
	AIDebounceDelay time.Duration

	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables, with an
// optional .env file. Environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:        os.Getenv("PORT"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		WhatsAppBaseURL:     os.Getenv("WHATSAPP_BASE_URL"),
		WhatsAppAccessToken: os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		WebhookVerifyToken:  os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		WebhookPath:         os.Getenv("WEBHOOK_PATH"),

		AIServiceBaseURL: os.Getenv("AI_SERVICE_BASE_URL"),
		AIServiceAPIKey:  os.Getenv("AI_SERVICE_API_KEY"),

		EscalationUserExternalID: os.Getenv("ESCALATION_USER_EXTERNAL_ID"),
		EscalationTemplate:       os.Getenv("ESCALATION_TEMPLATE"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Region:    os.Getenv("S3_REGION"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PathStyle: os.Getenv("S3_PATH_STYLE") == "true",

		RabbitURL:   os.Getenv("RABBITMQ_URL"),
		RabbitQueue: os.Getenv("RABBITMQ_QUEUE"),

		SweepInterval:   durationEnv("SWEEP_INTERVAL", time.Hour),
		ChatWindow:      durationEnv("CHAT_WINDOW", 24*time.Hour),
		DeliveryDelay:   durationEnv("DELIVERY_DELAY", 500*time.Millisecond),
		AIReplyDelay:    durationEnv("AI_REPLY_DELAY", 5*time.Second),
		AIDebounceDelay: durationEnv("AI_DEBOUNCE_DELAY", 3*time.Second),

		LogLevel:  os.Getenv("LOG_LEVEL"),
		LogFormat: os.Getenv("LOG_FORMAT"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "zapdesk.db"
		log.Info().Str("databaseURL", cfg.DatabaseURL).Msg("DATABASE_URL not set, using local sqlite file")
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhooks/whatsapp"
	}
	if cfg.WhatsAppBaseURL == "" {
		cfg.WhatsAppBaseURL = "https://graph.facebook.com/v20.0"
	}
	if cfg.RabbitQueue == "" {
		cfg.RabbitQueue = "zapdesk_events"
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration in environment, using default")
		return def
	}
	return d
}
