package cfg

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleet-risk/internal/common"
	"fleet-risk/internal/override"
	"fleet-risk/internal/reconcile"
)

type Settings struct {
	ListenAddr  string
	MetricsPort int
	DataPath    string
	LogLevel    string
	LogFormat   string
	RESTTimeout time.Duration

	StateBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Bot       BotSettings
	Reconcile ReconcileSettings

	OverrideInterval time.Duration
	MinSizeRatio     float64
	MaxManagers      int

	ConfigFields      override.Fields
	CorrelationGroups map[string]string
	AllocationGroups  map[string]string
	TargetAllocations map[string]float64
	Instances         []Instance
}

// BotSettings are the defaults for talking to any bot's control API.
type BotSettings struct {
	Username         string
	Password         string
	AuthBackoffBase  time.Duration
	AuthBackoffMax   time.Duration
	AuthFailureLimit int
	RateLimit        float64
	RateBurst        int
}

type ReconcileSettings struct {
	Interval            time.Duration
	RebalanceInterval   time.Duration
	CorrectionTolerance float64
	CorrectionWait      time.Duration
	ReentryPolicy       reconcile.ReentryPolicy
	MaxReentryAttempts  int
	DCAAutoPlace        bool
	DCACooldown         time.Duration
	RebalanceMinAmount  float64
}

// Instance is one managed bot.
type Instance struct {
	ID         string `yaml:"id"`
	ConfigPath string `yaml:"configPath"`
	LedgerDSN  string `yaml:"ledger"`
	APIURL     string `yaml:"apiURL"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

type ConfigFile struct {
	API struct {
		ListenAddr string `yaml:"listenAddr"`
	} `yaml:"api"`

	System struct {
		MetricsPort int    `yaml:"metricsPort"`
		DataPath    string `yaml:"dataPath"`
		LogLevel    string `yaml:"logLevel"`
		LogFormat   string `yaml:"logFormat"`
		RESTTimeout string `yaml:"restTimeout"`
	} `yaml:"system"`

	State struct {
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redisAddr"`
		RedisPassword string `yaml:"redisPassword"`
		RedisDB       int    `yaml:"redisDB"`
	} `yaml:"state"`

	Bot struct {
		Username         string  `yaml:"username"`
		Password         string  `yaml:"password"`
		AuthBackoffBase  string  `yaml:"authBackoffBase"`
		AuthBackoffMax   string  `yaml:"authBackoffMax"`
		AuthFailureLimit int     `yaml:"authFailureLimit"`
		RateLimit        float64 `yaml:"rateLimit"`
		RateBurst        int     `yaml:"rateBurst"`
	} `yaml:"bot"`

	Reconcile struct {
		Interval            string  `yaml:"interval"`
		RebalanceInterval   string  `yaml:"rebalanceInterval"`
		CorrectionTolerance float64 `yaml:"correctionTolerance"`
		CorrectionWait      string  `yaml:"correctionWait"`
		ReentryPolicy       string  `yaml:"reentryPolicy"`
		MaxReentryAttempts  int     `yaml:"maxReentryAttempts"`
		DCAAutoPlace        bool    `yaml:"dcaAutoPlace"`
		DCACooldown         string  `yaml:"dcaCooldown"`
		RebalanceMinAmount  float64 `yaml:"rebalanceMinAmount"`
	} `yaml:"reconcile"`

	Override struct {
		Interval     string  `yaml:"interval"`
		MinSizeRatio float64 `yaml:"minSizeRatio"`
	} `yaml:"override"`

	Cache struct {
		MaxManagers int `yaml:"maxManagers"`
	} `yaml:"cache"`

	ConfigFields      override.Fields    `yaml:"configFields"`
	CorrelationGroups map[string]string  `yaml:"correlationGroups"`
	AllocationGroups  map[string]string  `yaml:"allocationGroups"`
	TargetAllocations map[string]float64 `yaml:"targetAllocations"`
	Instances         []Instance         `yaml:"instances"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings, err := fromFile(&config)
	if err != nil {
		return Settings{}, err
	}
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// fromFile fills Settings from the file, letting environment variables win
// and compiled-in defaults fill what neither sets.
func fromFile(config *ConfigFile) (Settings, error) {
	var errs []string
	dur := func(env, raw string, def time.Duration) time.Duration {
		d, err := durationFromEnvOrConfig(env, raw, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	policy, err := reconcile.ParseReentryPolicy(getEnvOrDefault(common.EnvReentryPolicy, config.Reconcile.ReentryPolicy))
	if err != nil {
		errs = append(errs, err.Error())
	}

	settings := Settings{
		ListenAddr:  getEnvOrDefault(common.EnvListenAddr, orDefault(config.API.ListenAddr, common.DefaultListenAddr)),
		MetricsPort: getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		DataPath:    getEnvOrDefault(common.EnvDataPath, orDefault(config.System.DataPath, common.DefaultDataPath)),
		LogLevel:    getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
		LogFormat:   getEnvOrDefault(common.EnvLogFormat, orDefault(config.System.LogFormat, common.DefaultLogFormat)),
		RESTTimeout: dur(common.EnvRESTTimeout, config.System.RESTTimeout, common.DefaultRESTTimeout),

		StateBackend:  getEnvOrDefault(common.EnvStateBackend, orDefault(config.State.Backend, common.DefaultStateBackend)),
		RedisAddr:     getEnvOrDefault(common.EnvRedisAddr, config.State.RedisAddr),
		RedisPassword: getEnvOrDefault(common.EnvRedisPassword, config.State.RedisPassword),
		RedisDB:       config.State.RedisDB,

		Bot: BotSettings{
			Username:         getEnvOrDefault(common.EnvBotUsername, config.Bot.Username),
			Password:         getEnvOrDefault(common.EnvBotPassword, config.Bot.Password),
			AuthBackoffBase:  dur("", config.Bot.AuthBackoffBase, common.DefaultAuthBackoffBase),
			AuthBackoffMax:   dur("", config.Bot.AuthBackoffMax, common.DefaultAuthBackoffMax),
			AuthFailureLimit: orDefault(config.Bot.AuthFailureLimit, common.DefaultAuthFailureLimit),
			RateLimit:        orDefault(config.Bot.RateLimit, common.DefaultRateLimit),
			RateBurst:        orDefault(config.Bot.RateBurst, common.DefaultRateBurst),
		},

		Reconcile: ReconcileSettings{
			Interval:            dur(common.EnvReconcileInterval, config.Reconcile.Interval, common.DefaultReconcileInterval),
			RebalanceInterval:   dur(common.EnvRebalanceInterval, config.Reconcile.RebalanceInterval, common.DefaultRebalanceInterval),
			CorrectionTolerance: orDefault(config.Reconcile.CorrectionTolerance, common.DefaultCorrectionTolerance),
			CorrectionWait:      dur("", config.Reconcile.CorrectionWait, common.DefaultCorrectionWait),
			ReentryPolicy:       policy,
			MaxReentryAttempts:  orDefault(config.Reconcile.MaxReentryAttempts, 3),
			DCAAutoPlace:        config.Reconcile.DCAAutoPlace,
			DCACooldown:         dur("", config.Reconcile.DCACooldown, common.DefaultDCACooldown),
			RebalanceMinAmount:  orDefault(config.Reconcile.RebalanceMinAmount, common.DefaultMinRebalanceAmount),
		},

		OverrideInterval: dur(common.EnvOverrideInterval, config.Override.Interval, common.DefaultOverrideInterval),
		MinSizeRatio:     orDefault(config.Override.MinSizeRatio, common.DefaultMinSizeRatio),
		MaxManagers:      getIntFromEnvOrConfig(common.EnvMaxManagers, config.Cache.MaxManagers, common.DefaultMaxManagers),

		ConfigFields:      fillFields(config.ConfigFields),
		CorrelationGroups: config.CorrelationGroups,
		AllocationGroups:  config.AllocationGroups,
		TargetAllocations: config.TargetAllocations,
		Instances:         config.Instances,
	}

	if len(errs) > 0 {
		return Settings{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return settings, nil
}

// loadFromEnv supports running against a single bot without a config file.
func loadFromEnv() (Settings, error) {
	settings, err := fromFile(&ConfigFile{})
	if err != nil {
		return Settings{}, err
	}

	if id := os.Getenv(common.EnvInstanceID); id != "" {
		configPath, err := getEnvRequired(common.EnvInstanceConfig)
		if err != nil {
			return Settings{}, err
		}
		settings.Instances = []Instance{{
			ID:         id,
			ConfigPath: configPath,
			LedgerDSN:  os.Getenv(common.EnvInstanceLedger),
			APIURL:     getEnvOrDefault(common.EnvInstanceAPIURL, "http://127.0.0.1:8080"),
		}}
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// Credentials returns the instance's login, falling back to the bot defaults.
func (s *Settings) Credentials(inst Instance) (username, password string) {
	username, password = inst.Username, inst.Password
	if username == "" {
		username = s.Bot.Username
	}
	if password == "" {
		password = s.Bot.Password
	}
	return username, password
}

// Instance looks an instance up by id.
func (s *Settings) Instance(id string) (Instance, bool) {
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instance{}, false
}

func fillFields(f override.Fields) override.Fields {
	d := override.DefaultFields()
	f.Stake = orDefault(f.Stake, d.Stake)
	f.MaxOpenTrades = orDefault(f.MaxOpenTrades, d.MaxOpenTrades)
	f.TrailingStop = orDefault(f.TrailingStop, d.TrailingStop)
	f.StopLoss = orDefault(f.StopLoss, d.StopLoss)
	return f
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return orDefault(configValue, defaultValue)
}

// durationFromEnvOrConfig parses the env value when key is set, otherwise the
// file value. An empty value yields def; a malformed one is an error.
func durationFromEnvOrConfig(key, raw string, def time.Duration) (time.Duration, error) {
	name := "duration"
	if key != "" {
		if env := os.Getenv(key); env != "" {
			raw, name = env, key
		}
	}
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, raw)
	}
	return d, nil
}

func validateSettings(settings *Settings) error {
	if settings.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}

	switch settings.StateBackend {
	case common.StateBackendBolt:
		if settings.DataPath == "" {
			return fmt.Errorf("data path is required for the bolt state backend")
		}
	case common.StateBackendRedis:
		if settings.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis state backend")
		}
	default:
		return fmt.Errorf("state backend must be %q or %q, got %q", common.StateBackendBolt, common.StateBackendRedis, settings.StateBackend)
	}

	b := settings.Bot
	if b.AuthBackoffBase <= 0 || b.AuthBackoffMax < b.AuthBackoffBase {
		return fmt.Errorf("auth backoff must satisfy 0 < base <= max, got base %v max %v", b.AuthBackoffBase, b.AuthBackoffMax)
	}
	if b.AuthFailureLimit < 1 {
		return fmt.Errorf("auth failure limit must be at least 1, got %d", b.AuthFailureLimit)
	}
	if b.RateLimit < 0 || b.RateBurst < 1 {
		return fmt.Errorf("rate limit must be >= 0 with a burst of at least 1, got %v/%d", b.RateLimit, b.RateBurst)
	}

	r := settings.Reconcile
	if r.Interval < common.MinReconcileTick || r.Interval > common.MaxReconcileTick {
		return fmt.Errorf("reconcile interval must be between %v and %v, got %v", common.MinReconcileTick, common.MaxReconcileTick, r.Interval)
	}
	if r.RebalanceInterval < r.Interval {
		return fmt.Errorf("rebalance interval %v is shorter than the reconcile interval %v", r.RebalanceInterval, r.Interval)
	}
	if r.CorrectionTolerance <= 0 || r.CorrectionTolerance > 1 {
		return fmt.Errorf("correction tolerance must be within (0,1], got %f", r.CorrectionTolerance)
	}
	if r.CorrectionWait < 0 || r.CorrectionWait > time.Minute {
		return fmt.Errorf("correction wait must be between 0 and 1m, got %v", r.CorrectionWait)
	}
	if r.MaxReentryAttempts < 1 {
		return fmt.Errorf("max re-entry attempts must be at least 1, got %d", r.MaxReentryAttempts)
	}
	if r.RebalanceMinAmount < 0 {
		return fmt.Errorf("rebalance minimum amount cannot be negative, got %f", r.RebalanceMinAmount)
	}

	if settings.OverrideInterval < time.Second {
		return fmt.Errorf("override interval must be at least 1s, got %v", settings.OverrideInterval)
	}
	if settings.MinSizeRatio <= 0 || settings.MinSizeRatio > 1 {
		return fmt.Errorf("min size ratio must be within (0,1], got %f", settings.MinSizeRatio)
	}
	if settings.MaxManagers < 1 {
		return fmt.Errorf("max managers must be at least 1, got %d", settings.MaxManagers)
	}

	for asset, group := range settings.CorrelationGroups {
		if group == "" {
			return fmt.Errorf("correlation group for %s cannot be empty", asset)
		}
	}
	if len(settings.TargetAllocations) > 0 {
		var sum float64
		for group, w := range settings.TargetAllocations {
			if w < 0 || w > 1 {
				return fmt.Errorf("target allocation for %s must be within [0,1], got %f", group, w)
			}
			sum += w
		}
		if math.Abs(sum-1) > 0.01 {
			return fmt.Errorf("target allocations must sum to 1, got %f", sum)
		}
	}

	seen := make(map[string]bool, len(settings.Instances))
	for i, inst := range settings.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance %d: id is required", i)
		}
		if strings.ContainsAny(inst.ID, "/ ") {
			return fmt.Errorf("instance %s: id cannot contain '/' or spaces", inst.ID)
		}
		if seen[inst.ID] {
			return fmt.Errorf("instance %s: duplicate id", inst.ID)
		}
		seen[inst.ID] = true
		if inst.ConfigPath == "" {
			return fmt.Errorf("instance %s: configPath is required", inst.ID)
		}
		u, err := url.Parse(inst.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("instance %s: apiURL must be an http(s) URL, got %q", inst.ID, inst.APIURL)
		}
	}

	return nil
}
