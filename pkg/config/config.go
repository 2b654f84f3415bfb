package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	Carrier      CarrierConfig
	Square       SquareConfig
	Refund       RefundConfig
	Reconcile    ReconcileConfig
	OperatorAuth OperatorAuthConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		if cfg.DB.DSN == "" {
			cfg.DB.DSN = defaultSQLiteDSN
		}
		cfg.DB.Driver = DriverSQLite
		return &cfg, nil
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FULFILLMENT_APP_ENV" required:"true"`
	Port         string `envconfig:"FULFILLMENT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"FULFILLMENT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FULFILLMENT_LOG_WARN_STACK" default:"false"`
	// CORSOrigins lists the back-office console origins allowed to call the API.
	CORSOrigins []string `envconfig:"FULFILLMENT_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"FULFILLMENT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"FULFILLMENT_DB_DSN"`
	Driver string `envconfig:"FULFILLMENT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"FULFILLMENT_DB_HOST"`
	LegacyPort     int    `envconfig:"FULFILLMENT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"FULFILLMENT_DB_USER"`
	LegacyPassword string `envconfig:"FULFILLMENT_DB_PASSWORD"`
	LegacyName     string `envconfig:"FULFILLMENT_DB_NAME"`
	LegacySSLMode  string `envconfig:"FULFILLMENT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FULFILLMENT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FULFILLMENT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FULFILLMENT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FULFILLMENT_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"FULFILLMENT_DB_SLOW_QUERY_THRESHOLD" default:"250ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"FULFILLMENT_REDIS_URL"`
	Address      string        `envconfig:"FULFILLMENT_REDIS_ADDR"`
	Password     string        `envconfig:"FULFILLMENT_REDIS_PASSWORD"`
	DB           int           `envconfig:"FULFILLMENT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FULFILLMENT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FULFILLMENT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FULFILLMENT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FULFILLMENT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FULFILLMENT_REDIS_WRITE_TIMEOUT" default:"5s"`
	KeyPrefix    string        `envconfig:"FULFILLMENT_REDIS_KEY_PREFIX" default:"ff"`
}

// Enabled reports whether any redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	UseSQLite        bool `envconfig:"FULFILLMENT_USE_SQLITE" default:"false"`
	AutoMigrate      bool `envconfig:"FULFILLMENT_AUTO_MIGRATE" default:"false"`
	DistributedLocks bool `envconfig:"FULFILLMENT_DISTRIBUTED_LOCKS" default:"true"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"FULFILLMENT_EVENTING_IDEMPOTENCY_TTL" default:"24h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"FULFILLMENT_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"FULFILLMENT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	FulfillmentTopic  string `envconfig:"FULFILLMENT_PUBSUB_FULFILLMENT_TOPIC" default:"fulfillment-events"`
	NotificationTopic string `envconfig:"FULFILLMENT_PUBSUB_NOTIFICATION_TOPIC" default:"fulfillment-notifications"`
	// AnalyticsSubscription is attached to FulfillmentTopic and feeds BigQuery.
	AnalyticsSubscription string `envconfig:"FULFILLMENT_PUBSUB_ANALYTICS_SUBSCRIPTION" default:"fulfillment-events-analytics"`
}

type BigQueryConfig struct {
	Dataset     string `envconfig:"FULFILLMENT_BIGQUERY_DATASET"`
	EventsTable string `envconfig:"FULFILLMENT_BIGQUERY_EVENTS_TABLE" default:"fulfillment_events"`
	// CreateTables creates missing tables from their row schema at startup.
	CreateTables bool `envconfig:"FULFILLMENT_BIGQUERY_CREATE_TABLES" default:"false"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"FULFILLMENT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"FULFILLMENT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"FULFILLMENT_OUTBOX_MAX_ATTEMPTS" default:"10"`
	// RetentionDays bounds published and parked rows; DLQRetentionDays bounds
	// dead letters.
	RetentionDays    int `envconfig:"FULFILLMENT_OUTBOX_RETENTION_DAYS" default:"30"`
	DLQRetentionDays int `envconfig:"FULFILLMENT_OUTBOX_DLQ_RETENTION_DAYS" default:"90"`
}

// CarrierConfig points at the shipment tracking and pickup booking provider.
type CarrierConfig struct {
	BaseURL        string        `envconfig:"FULFILLMENT_CARRIER_BASE_URL"`
	APIKey         string        `envconfig:"FULFILLMENT_CARRIER_API_KEY"`
	Timeout        time.Duration `envconfig:"FULFILLMENT_CARRIER_TIMEOUT" default:"5s"`
	MaxRetries     uint64        `envconfig:"FULFILLMENT_CARRIER_MAX_RETRIES" default:"2"`
	RetryBaseDelay time.Duration `envconfig:"FULFILLMENT_CARRIER_RETRY_BASE_DELAY" default:"200ms"`
}

type SquareConfig struct {
	AccessToken string        `envconfig:"FULFILLMENT_SQUARE_ACCESS_TOKEN"`
	Env         string        `envconfig:"FULFILLMENT_SQUARE_ENV" default:"sandbox"`
	LocationID  string        `envconfig:"FULFILLMENT_SQUARE_LOCATION_ID"`
	Currency    string        `envconfig:"FULFILLMENT_SQUARE_CURRENCY" default:"USD"`
	Timeout     time.Duration `envconfig:"FULFILLMENT_SQUARE_TIMEOUT" default:"10s"`
	MaxRetries  uint64        `envconfig:"FULFILLMENT_SQUARE_MAX_RETRIES" default:"2"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type RefundConfig struct {
	ReturnWindow time.Duration `envconfig:"FULFILLMENT_RETURN_WINDOW" default:"72h"`
}

type ReconcileConfig struct {
	Concurrency   int           `envconfig:"FULFILLMENT_RECONCILE_CONCURRENCY" default:"8"`
	LookupTimeout time.Duration `envconfig:"FULFILLMENT_RECONCILE_LOOKUP_TIMEOUT" default:"8s"`
	// RateWindow and RateLimit cap manual whole-scope runs per operator.
	RateWindow time.Duration `envconfig:"FULFILLMENT_RECONCILE_RATE_WINDOW" default:"1m"`
	RateLimit  int           `envconfig:"FULFILLMENT_RECONCILE_RATE_LIMIT" default:"6"`
	// Interval schedules background runs in the worker; zero disables them.
	Interval time.Duration `envconfig:"FULFILLMENT_RECONCILE_INTERVAL" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

// OperatorAuthConfig verifies operator tokens minted by the back-office
// gateway. An empty secret trusts the X-Operator-Id header instead.
type OperatorAuthConfig struct {
	Secret            string `envconfig:"FULFILLMENT_OPERATOR_TOKEN_SECRET"`
	Issuer            string `envconfig:"FULFILLMENT_OPERATOR_TOKEN_ISSUER" default:"backoffice-gateway"`
	ExpirationMinutes int    `envconfig:"FULFILLMENT_OPERATOR_TOKEN_TTL_MINUTES" default:"60"`
}

func (c OperatorAuthConfig) Enabled() bool {
	return strings.TrimSpace(c.Secret) != ""
}
