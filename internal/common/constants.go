package common

import "time"

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvListenAddr        = "LISTEN_ADDR"
	EnvMetricsPort       = "METRICS_PORT"
	EnvDataPath          = "DATA_PATH"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
	EnvRESTTimeout       = "REST_TIMEOUT"
	EnvStateBackend      = "STATE_BACKEND"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvBotUsername       = "BOT_API_USERNAME"
	EnvBotPassword       = "BOT_API_PASSWORD"
	EnvReconcileInterval = "RECONCILE_INTERVAL"
	EnvRebalanceInterval = "REBALANCE_INTERVAL"
	EnvOverrideInterval  = "OVERRIDE_INTERVAL"
	EnvReentryPolicy     = "REENTRY_POLICY"
	EnvMaxManagers       = "MAX_MANAGERS"
	EnvInstanceID        = "BOT_INSTANCE_ID"
	EnvInstanceConfig    = "BOT_CONFIG_PATH"
	EnvInstanceLedger    = "BOT_LEDGER_DSN"
	EnvInstanceAPIURL    = "BOT_API_URL"
)

// Configuration defaults
const (
	DefaultListenAddr          = ":8090"
	DefaultMetricsPort         = 9100
	DefaultDataPath            = "data"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultRESTTimeout         = 5 * time.Second
	DefaultStateBackend        = StateBackendBolt
	DefaultReconcileInterval   = 30 * time.Second
	DefaultRebalanceInterval   = 15 * time.Minute
	DefaultOverrideInterval    = 5 * time.Minute
	DefaultCorrectionWait      = 3 * time.Second
	DefaultCorrectionTolerance = 0.25 // 25% divergence from the optimal stake
	DefaultAuthBackoffBase     = 30 * time.Second
	DefaultAuthBackoffMax      = 30 * time.Minute
	DefaultAuthFailureLimit    = 3
	DefaultRateLimit           = 10.0
	DefaultRateBurst           = 20
	DefaultMinSizeRatio        = 0.5
	DefaultMaxManagers         = 256
	DefaultMinRebalanceAmount  = 100.0
	DefaultDCACooldown         = 2 * time.Hour
)

// State backends
const (
	StateBackendBolt  = "bolt"
	StateBackendRedis = "redis"
)

// Keys owned inside the bot's config document
const (
	SettingsKey = "universalSettings"
	FeaturesKey = "universalFeatures"
)

// Default names of the bot config fields overwritten by the override applier
const (
	DefaultStakeField         = "stake_amount"
	DefaultMaxOpenTradesField = "max_open_trades"
	DefaultTrailingStopField  = "trailing_stop"
	DefaultStopLossField      = "stoploss"
)

// Validation constants
const (
	MinMetricsPort   = 1024
	MaxMetricsPort   = 65535
	MinRiskLevel     = 0
	MaxRiskLevel     = 100
	MinReconcileTick = time.Second
	MaxReconcileTick = time.Hour
)
