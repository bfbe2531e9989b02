// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process configuration read from the environment
type Config struct {
	// HTTP server port
	Port     string
	LogLevel string

	// LedgerConfigPath points at the YAML ledger configuration, empty for defaults
	LedgerConfigPath string

	// ManifestPath is a migration manifest applied once on an empty ledger
	ManifestPath string

	// Persistence
	StoreBackend string
	DataDir      string

	// Token service; empty BankURL selects the in-memory bank
	BankURL      string
	BankAPIKey   string
	BankRetryMax int

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Receipts and request authentication. With RequireSignatures off the
	// X-Caller header is trusted as given, which is only fit for local use.
	SignerKey         string
	ReceiptsEnabled   bool
	ReceiptValidity   time.Duration
	RequireSignatures bool
	SignatureMaxAge   time.Duration

	// Timeouts, rate limiting and solvency guard settings
	RequestTimeout       time.Duration
	RateLimit            float64
	RateBurst            int
	GuardResetDelay      time.Duration
	GuardMaxChangePct    int
	GuardMaxDeficit      string
	GuardSuccesses       int
	SolvencyCheckEnabled bool
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:                 GetEnvOrDefault("PORT", "8080"),
		LogLevel:             strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
		LedgerConfigPath:     GetEnvOrDefault("LEDGER_CONFIG", ""),
		ManifestPath:         GetEnvOrDefault("MIGRATION_MANIFEST", ""),
		StoreBackend:         strings.ToLower(GetEnvOrDefault("STORE_BACKEND", "bolt")),
		DataDir:              GetEnvOrDefault("DATA_DIR", "./data"),
		BankURL:              GetEnvOrDefault("BANK_URL", ""),
		BankAPIKey:           GetEnvOrDefault("BANK_API_KEY", ""),
		BankRetryMax:         GetEnvAsInt("BANK_RETRY_MAX", 3),
		OtelEndpoint:         GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SignerKey:            GetEnvOrDefault("SIGNER_KEY", ""),
		ReceiptsEnabled:      GetEnvAsBool("RECEIPTS_ENABLED", true),
		ReceiptValidity:      GetEnvAsDuration("RECEIPT_VALIDITY", 24*time.Hour),
		RequireSignatures:    GetEnvAsBool("REQUIRE_SIGNATURES", true),
		SignatureMaxAge:      GetEnvAsDuration("SIGNATURE_MAX_AGE", 5*time.Minute),
		RequestTimeout:       GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RateLimit:            GetEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateBurst:            GetEnvAsInt("RATE_LIMIT_BURST", 40),
		GuardResetDelay:      GetEnvAsDuration("GUARD_RESET_DELAY", 5*time.Minute),
		GuardMaxChangePct:    GetEnvAsInt("GUARD_MAX_CHANGE_PERCENT", 0),
		GuardMaxDeficit:      GetEnvOrDefault("GUARD_MAX_DEFICIT", "0"),
		GuardSuccesses:       GetEnvAsInt("GUARD_SUCCESS_THRESHOLD", 3),
		SolvencyCheckEnabled: GetEnvAsBool("SOLVENCY_CHECK_ENABLED", true),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a bool with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
