package config

const (
	EnvPrefix = "FULFILLMENT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultSQLiteDSN = "file:fulfillment.db?cache=shared&_foreign_keys=on"
)

const (
	EnvAppEnv   = "FULFILLMENT_APP_ENV"
	EnvPort     = "FULFILLMENT_APP_PORT"
	EnvLogLevel = "FULFILLMENT_LOG_LEVEL"

	EnvDBDSN  = "FULFILLMENT_DB_DSN"
	EnvDBHost = "FULFILLMENT_DB_HOST"
	EnvDBUser = "FULFILLMENT_DB_USER"
	EnvDBName = "FULFILLMENT_DB_NAME"

	EnvRedisURL  = "FULFILLMENT_REDIS_URL"
	EnvUseSQLite = "FULFILLMENT_USE_SQLITE"

	EnvCarrierBaseURL = "FULFILLMENT_CARRIER_BASE_URL"
	EnvCarrierTimeout = "FULFILLMENT_CARRIER_TIMEOUT"
	EnvReturnWindow   = "FULFILLMENT_RETURN_WINDOW"
	EnvSquareEnv      = "FULFILLMENT_SQUARE_ENV"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
