package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Empty DatabaseURL selects BoltPath, or the in-memory store when that is empty too.
	DatabaseURL   string
	BoltPath      string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Empty RedisURL keeps the live feed process-local.
	RedisURL           string
	RedisChannelPrefix string

	// If true, only bearer tokens are accepted and BAZAAR_JWT_SECRET must be >= 32 bytes.
	// If false, the X-Bazaar-User header is honoured for local development.
	RequireAuth bool
	JWTSecret   string
	JWTIssuer   string

	// PhotoBaseURL prefixes listing photo storage paths.
	PhotoBaseURL string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSAllowedOrigins     []string
	WSOriginRequired     bool
	WSInsecureSkipVerify bool
	WSSendQueueSize      int
	WSReadIdleTimeout    time.Duration
	WSHeartbeatEvery     time.Duration
	WSRateEvents         int
	WSRateWindow         time.Duration

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BAZAAR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("BAZAAR_LOG_LEVEL", "info"),
		LogFormat: EnvString("BAZAAR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BAZAAR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BAZAAR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BAZAAR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BAZAAR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("BAZAAR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("BAZAAR_DATABASE_URL", ""),
		BoltPath:      EnvString("BAZAAR_BOLT_PATH", ""),
		DBSchema:      EnvString("BAZAAR_DB_SCHEMA", "bazaar"),
		DBMaxConns:    EnvInt32("BAZAAR_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("BAZAAR_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("BAZAAR_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("BAZAAR_READINESS_REQUIRE_DB", false),

		RedisURL:           EnvString("BAZAAR_REDIS_URL", ""),
		RedisChannelPrefix: EnvString("BAZAAR_REDIS_CHANNEL_PREFIX", "bazaar:conv:"),

		RequireAuth: EnvBool("BAZAAR_REQUIRE_AUTH", true),
		JWTSecret:   EnvString("BAZAAR_JWT_SECRET", ""),
		JWTIssuer:   EnvString("BAZAAR_JWT_ISSUER", ""),

		PhotoBaseURL: EnvString("BAZAAR_PHOTO_BASE_URL", ""),

		CORSAllowedOrigins:   EnvList("BAZAAR_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("BAZAAR_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("BAZAAR_CORS_MAX_AGE_SECONDS", 600),

		WSAllowedOrigins:     EnvList("BAZAAR_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSOriginRequired:     EnvBool("BAZAAR_WS_ORIGIN_REQUIRED", true),
		WSInsecureSkipVerify: EnvBool("BAZAAR_WS_INSECURE_SKIP_VERIFY", false),
		WSSendQueueSize:      EnvInt("BAZAAR_WS_SEND_QUEUE", 0),
		WSReadIdleTimeout:    EnvDuration("BAZAAR_WS_READ_IDLE_TIMEOUT", 0),
		WSHeartbeatEvery:     EnvDuration("BAZAAR_WS_HEARTBEAT", 0),
		WSRateEvents:         EnvInt("BAZAAR_WS_RATE_EVENTS", 0),
		WSRateWindow:         EnvDuration("BAZAAR_WS_RATE_WINDOW", 0),

		MetricsEnabled: EnvBool("BAZAAR_METRICS_ENABLED", true),
	}
}
