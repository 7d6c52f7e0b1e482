package config

// Config is the recognized option set from spec §6.5.
type Config struct {
	RateLimitDefaults map[string]RateBucketConfig

	AutoEndTimeoutDefaultSeconds int
	AutoEndWarningPointsSeconds  []int

	QueueMaxLengthDefault int

	WorkerGracefulStopSeconds         int
	WorkerRestartBackoffSeconds       int
	WorkerRestartAttemptsBeforeError  int
	WorkerTransientRetryAttempts      int

	SessionRecoveryInitialSeconds int
	SessionRecoveryMaxSeconds     int

	PlaceholderMediaPath string

	SharedStoreURL     string
	RelationalStoreURL string
	MetricsBindAddr    string

	DataEncryptionKey string
}

// defaultRateBuckets mirrors the closed bucket set from spec §4.1.
func defaultRateBuckets() map[string]RateBucketConfig {
	return map[string]RateBucketConfig{
		"standard":     {Limit: 100, WindowSeconds: 60},
		"elevated":     {Limit: 200, WindowSeconds: 60},
		"strict":       {Limit: 10, WindowSeconds: 60},
		"external_api": {Limit: 10, WindowSeconds: 60},
	}
}

// Load reads every recognized environment variable, applying the spec's
// documented defaults for anything unset.
func Load() Config {
	return Config{
		RateLimitDefaults: ParseRateLimitDefaults("RATE_LIMIT_DEFAULTS", defaultRateBuckets()),

		AutoEndTimeoutDefaultSeconds: ParseInt("AUTO_END_TIMEOUT_DEFAULT_SECONDS", 300),
		AutoEndWarningPointsSeconds:  ParseIntList("AUTO_END_WARNING_POINTS_SECONDS", []int{60, 30, 10}),

		QueueMaxLengthDefault: ParseInt("QUEUE_MAX_LENGTH_DEFAULT", 100),

		WorkerGracefulStopSeconds:        ParseInt("WORKER_GRACEFUL_STOP_SECONDS", 10),
		WorkerRestartBackoffSeconds:      ParseInt("WORKER_RESTART_BACKOFF_SECONDS", 10),
		WorkerRestartAttemptsBeforeError: ParseInt("WORKER_RESTART_ATTEMPTS_BEFORE_ERROR", 5),
		WorkerTransientRetryAttempts:     ParseInt("WORKER_TRANSIENT_RETRY_ATTEMPTS", 2),

		SessionRecoveryInitialSeconds: ParseInt("SESSION_RECOVERY_INITIAL_SECONDS", 60),
		SessionRecoveryMaxSeconds:     ParseInt("SESSION_RECOVERY_MAX_SECONDS", 600),

		PlaceholderMediaPath: ParseString("PLACEHOLDER_MEDIA_PATH", ""),

		SharedStoreURL:     ParseString("SHARED_STORE_URL", "localhost:6379"),
		RelationalStoreURL: ParseString("RELATIONAL_STORE_URL", "file:broadcast.db"),
		MetricsBindAddr:    ParseString("METRICS_BIND_ADDR", ":9090"),

		DataEncryptionKey: ParseString("DATA_ENCRYPTION_KEY", ""),
	}
}
