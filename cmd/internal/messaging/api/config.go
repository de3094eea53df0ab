package messagingapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls REST API limits.
type Config struct {
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 64 << 10}
}

// LoadConfigFromEnv loads API config from BAZAAR_API_* variables.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("BAZAAR_API_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	return cfg
}
