package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"leadcast/internal/store/backend"
	"leadcast/internal/store/pg"
)

type Server struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
}

type Store struct {
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	DBMigrate   bool   `envconfig:"DB_MIGRATE" default:"true"`

	// DB pool tuning (pgxpool)
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

func (s Store) BackendOptions() backend.Options {
	return backend.Options{
		Driver:  s.StoreDriver,
		DSN:     s.DBDSN,
		Migrate: s.DBMigrate,
		Pool: pg.PoolOptions{
			MaxConns:          s.DBPoolMaxConns,
			MinConns:          s.DBPoolMinConns,
			MaxConnLifetime:   s.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   s.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: s.DBPoolHealthCheckPeriod,
		},
	}
}

// Twilio credentials are optional at boot; a dispatch without them fails
// with a configuration error instead of the process refusing to start.
type Twilio struct {
	TwilioAccountSID          string        `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string        `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppFrom        string        `envconfig:"TWILIO_WHATSAPP_FROM"`
	TwilioMessagingServiceSID string        `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioContentSID          string        `envconfig:"TWILIO_CONTENT_SID"`
	TwilioBaseURL             string        `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioRPS                 float64       `envconfig:"TWILIO_RPS" default:"5"`
	TwilioBurst               int           `envconfig:"TWILIO_BURST" default:"5"`
	TwilioSendTimeout         time.Duration `envconfig:"TWILIO_SEND_TIMEOUT" default:"8s"`
}

type Broadcast struct {
	BroadcastSendDelay   time.Duration `envconfig:"BROADCAST_SEND_DELAY" default:"300ms"`
	BroadcastMaxVendors  int           `envconfig:"BROADCAST_MAX_VENDORS" default:"200"`
	BroadcastMaxAttempts int           `envconfig:"BROADCAST_MAX_ATTEMPTS" default:"3"`
	DefaultCountryCode   string        `envconfig:"DEFAULT_COUNTRY_CODE" default:"250"`
	// PublicWebhookBaseURL is the externally reachable base Twilio calls
	// back on; it is also the base of the URL signatures are computed over.
	PublicWebhookBaseURL string `envconfig:"PUBLIC_WEBHOOK_BASE_URL"`
}

type SQS struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`
}

type APIConfig struct {
	Server
	Store
	Twilio
	Broadcast
	SQS

	AdminAPIKey string `envconfig:"ADMIN_API_KEY"`
	// Async dispatch: when set, broadcasts are queued for cmd/worker.
	BroadcastQueueURL string `envconfig:"BROADCAST_QUEUE_URL"`
	// Async webhooks: when set, verified callbacks are queued for
	// cmd/webhook-processor.
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL"`
}

type WorkerConfig struct {
	Server
	Store
	Twilio
	Broadcast
	SQS

	BroadcastQueueURL string `envconfig:"BROADCAST_QUEUE_URL" required:"true"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"4"`
}

type WebhookConfig struct {
	Server
	Store
	SQS

	TwilioAuthToken      string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicWebhookBaseURL string `envconfig:"PUBLIC_WEBHOOK_BASE_URL" required:"true"` // must match the URL configured in Twilio
	DefaultCountryCode   string `envconfig:"DEFAULT_COUNTRY_CODE" default:"250"`
	AdminAPIKey          string `envconfig:"ADMIN_API_KEY"`

	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL"`
}

type WebhookProcessorConfig struct {
	Server
	Store
	SQS

	DefaultCountryCode    string `envconfig:"DEFAULT_COUNTRY_CODE" default:"250"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	ProcessorConcurrency  int    `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

type WatchConfig struct {
	APIBaseURL  string        `envconfig:"API_BASE_URL" default:"http://localhost:8080"`
	Interval    time.Duration `envconfig:"WATCH_INTERVAL" default:"5s"`
	Budget      time.Duration `envconfig:"WATCH_BUDGET" default:"90s"`
	HistoryFile string        `envconfig:"WATCH_HISTORY_FILE"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"text"`
}

// MockTwilioConfig drives the local Messages API sandbox.
type MockTwilioConfig struct {
	Port      string `envconfig:"PORT" default:"8089"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"ACmock"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	// Outcomes cycles per send: ok, failed, undelivered, 400, 429, 500.
	Outcomes      []string      `envconfig:"MOCK_OUTCOMES" default:"ok"`
	CallbackDelay time.Duration `envconfig:"MOCK_CALLBACK_DELAY" default:"300ms"`
	// InboundURL receives simulated vendor replies posted to /mock/replies.
	InboundURL         string `envconfig:"MOCK_INBOUND_URL"`
	WhatsAppFrom       string `envconfig:"TWILIO_WHATSAPP_FROM" default:"+14155238886"`
	CallbackMaxRetries int    `envconfig:"MOCK_CALLBACK_MAX_RETRIES" default:"3"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWatch() WatchConfig {
	var cfg WatchConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockTwilio() MockTwilioConfig {
	var cfg MockTwilioConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
