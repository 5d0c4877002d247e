// Package wconfig loads process configuration from the environment,
// optionally bootstrapped from a .env file.
package wconfig

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide, read-once configuration. Values that the
// Secrets Store also exposes (WARP_JWT, WARP_REFRESH_TOKEN, ...) are read
// directly by internal/secrets instead; Config covers everything else.
type Config struct {
	Host string
	Port int

	AccountsFilePath string // LOCAL_JWT_FILEPATH
	SecretsFilePath  string

	QuotaRefreshThreshold int // QUOTA_REFRESH_THRESHOLD; 0 disables

	// DefaultRefreshToken is the baked-in fallback used by the
	// refresh-token refresh strategy when the Secrets Store has no
	// WARP_REFRESH_TOKEN yet. Per spec.md §9 this must be mandatory
	// configuration, never a literal secret embedded in source.
	DefaultRefreshToken string

	WarpClientVersion string
	WarpOSCategory    string
	WarpOSName        string
	WarpOSVersion     string

	ProxyTokenURL         string
	IdentityToolkitURL    string
	IdentityToolkitAPIKey string // mandatory fallback, not a literal secret in source
	GraphQLURL            string

	// WarpChatCompletionsURL is the gateway's outbound chat endpoint. The
	// request/response schema translation happening against it is
	// explicitly out of scope for the credential/streaming core; the
	// gateway only needs somewhere to POST the encoded body and read an
	// SSE response back from.
	WarpChatCompletionsURL string

	InitRetries   int           // WARP_COMPAT_INIT_RETRIES
	InitDelay     time.Duration // WARP_COMPAT_INIT_DELAY
	WarmupRetries int           // WARP_COMPAT_WARMUP_RETRIES
	WarmupDelay   time.Duration // WARP_COMPAT_WARMUP_DELAY

	MaxStreamRetries int // Stream Adaptor's max_retries, default 2

	LogLevel          string
	LogDirectory      string
	LogMaxFileSizeMB  int
	LogBackupCount    int
	LogFormat         string
	LogEnableRotation bool
	LogEnableBackup   bool
}

// Load reads configuration from the environment, first attempting to
// bootstrap process environment from a .env file in the working
// directory (a missing .env is not an error).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		AccountsFilePath: os.Getenv("LOCAL_JWT_FILEPATH"),
		SecretsFilePath:  envOr("SECRETS_FILEPATH", ".env"),

		QuotaRefreshThreshold: envInt("QUOTA_REFRESH_THRESHOLD", 0),
		DefaultRefreshToken:   os.Getenv("WARP_DEFAULT_REFRESH_TOKEN"),

		WarpClientVersion: envOr("WARP_CLIENT_VERSION", "1.0.0"),
		WarpOSCategory:    envOr("WARP_OS_CATEGORY", "linux"),
		WarpOSName:        envOr("WARP_OS_NAME", "Ubuntu"),
		WarpOSVersion:     envOr("WARP_OS_VERSION", "22.04"),

		ProxyTokenURL:         envOr("WARP_PROXY_TOKEN_URL", "https://app.warp.dev/proxy/token"),
		IdentityToolkitURL:    envOr("WARP_IDENTITY_TOOLKIT_URL", "https://www.googleapis.com/identitytoolkit/v3/relyingparty/verifyCustomToken"),
		IdentityToolkitAPIKey: os.Getenv("WARP_IDENTITY_TOOLKIT_API_KEY"),
		GraphQLURL:            envOr("WARP_GRAPHQL_URL", "https://app.warp.dev/graphql/v2"),

		InitRetries:   envInt("WARP_COMPAT_INIT_RETRIES", 3),
		InitDelay:     envMillis("WARP_COMPAT_INIT_DELAY", 500*time.Millisecond),
		WarmupRetries: envInt("WARP_COMPAT_WARMUP_RETRIES", 2),
		WarmupDelay:   envMillis("WARP_COMPAT_WARMUP_DELAY", 1000*time.Millisecond),

		MaxStreamRetries: envInt("WARP_COMPAT_MAX_STREAM_RETRIES", 2),

		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogDirectory:      envOr("LOG_DIRECTORY", "./logs"),
		LogMaxFileSizeMB:  envInt("LOG_MAX_FILE_SIZE", 50),
		LogBackupCount:    envInt("LOG_BACKUP_COUNT", 5),
		LogFormat:         envOr("LOG_FORMAT", "text"),
		LogEnableRotation: envBool("LOG_ENABLE_ROTATION", false),
		LogEnableBackup:   envBool("LOG_ENABLE_BACKUP", false),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
