// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserstream-go/internal/security"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxRateLimitRPM = 10000 // Maximum requests per minute per IP
	minAPIKeyLength = 16    // Minimum API key length for security
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless         bool
	BrowserPath      string
	BrowserRemoteURL string // CDP WebSocket endpoint of an already-running browser; empty means launch locally

	// Navigation
	NavPrimaryTimeout  time.Duration // networkidle0 strategy budget
	NavFallbackTimeout time.Duration // domcontentloaded fallback budget
	NavRetries         int
	NavBackoff         time.Duration

	// Operation fabric
	OpTimeout         time.Duration
	OpRetries         int
	CircuitThreshold  int
	CircuitResetAfter time.Duration

	// Viewport and screencast defaults
	DefaultViewportWidth    int
	DefaultViewportHeight   int
	ScreencastQuality       int
	ScreencastMaxWidth      int
	ScreencastMaxHeight     int
	ScreencastEveryNthFrame int

	// Gateway timers
	LivenessPingInterval   time.Duration
	DeadPeerCheckInterval  time.Duration
	HealthCheckInterval    time.Duration
	MaxHealthCheckFailures int

	// Stream pump
	FrameQueueMax       int
	BufferHighWatermark int64

	// Session lifecycle
	SessionTimeout     time.Duration
	StaleSweepInterval time.Duration
	MaxSessionRetries  int

	// Memory governor sampling
	MemorySampleInterval   time.Duration
	MemoryCleanupPercent   float64
	MemoryEmergencyPercent float64
	MemoryHeapLimitBytes   int64

	// Gateway session-create circuit breaker (distinct from the per-operation breaker above)
	GatewayCircuitThreshold  int
	GatewayCircuitResetAfter time.Duration
	RequireAuth              bool

	// Proxy defaults
	ProxyURL          string
	ProxyUsername     string
	ProxyPassword     string
	AllowLocalProxies bool // Allow localhost/private IP proxy targets (default false for security)

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string // Bind address for pprof server (default: localhost only)

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int      // Requests per minute per IP
	TrustProxy         bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	IgnoreCertErrors   bool     // Ignore TLS certificate errors (required for some proxies)
	CORSAllowedOrigins []string // Allowed CORS origins (empty = reject cross-origin requests, with warning)

	// API Key Authentication
	APIKeyEnabled bool   // Enable API key authentication
	APIKey        string // Required API key for requests (only used if APIKeyEnabled is true)
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8191),

		// Browser
		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		BrowserRemoteURL: getEnvString("BROWSER_REMOTE_URL", ""),

		// Navigation
		NavPrimaryTimeout:  getEnvDuration("NAV_PRIMARY_TIMEOUT_MS", 20*time.Second),
		NavFallbackTimeout: getEnvDuration("NAV_FALLBACK_TIMEOUT_MS", 15*time.Second),
		NavRetries:         getEnvInt("NAV_RETRIES", 3),
		NavBackoff:         getEnvDuration("NAV_BACKOFF_MS", 2*time.Second),

		// Operation fabric
		OpTimeout:         getEnvDuration("OP_TIMEOUT_MS", 10*time.Second),
		OpRetries:         getEnvInt("OP_RETRIES", 2),
		CircuitThreshold:  getEnvInt("CIRCUIT_THRESHOLD", 5),
		CircuitResetAfter: getEnvDuration("CIRCUIT_RESET_MS", 60*time.Second),

		// Viewport and screencast
		DefaultViewportWidth:    getEnvInt("VIEWPORT_DEFAULT_WIDTH", 1440),
		DefaultViewportHeight:   getEnvInt("VIEWPORT_DEFAULT_HEIGHT", 1880),
		ScreencastQuality:       getEnvInt("SCREENCAST_QUALITY", 60),
		ScreencastMaxWidth:      getEnvInt("SCREENCAST_MAX_WIDTH", 1280),
		ScreencastMaxHeight:     getEnvInt("SCREENCAST_MAX_HEIGHT", 1024),
		ScreencastEveryNthFrame: getEnvInt("SCREENCAST_EVERY_NTH_FRAME", 2),

		// Gateway timers
		LivenessPingInterval:   getEnvDuration("LIVENESS_PING_INTERVAL_MS", 30*time.Second),
		DeadPeerCheckInterval:  getEnvDuration("DEAD_PEER_CHECK_INTERVAL_MS", 45*time.Second),
		HealthCheckInterval:    getEnvDuration("HEALTH_CHECK_INTERVAL_MS", 15*time.Second),
		MaxHealthCheckFailures: getEnvInt("MAX_HEALTH_CHECK_FAILURES", 5),

		// Stream pump
		FrameQueueMax:       getEnvInt("FRAME_QUEUE_MAX", 10),
		BufferHighWatermark: int64(getEnvInt("BUFFER_HIGH_WATERMARK_BYTES", 5*1024*1024)),

		// Session lifecycle
		SessionTimeout:     getEnvDuration("SESSION_TIMEOUT_MS", 300*time.Second),
		StaleSweepInterval: getEnvDuration("STALE_SWEEP_INTERVAL_MS", 60*time.Second),
		MaxSessionRetries:  getEnvInt("MAX_SESSION_RETRIES", 3),

		// Memory governor sampling
		MemorySampleInterval:   getEnvDuration("MEMORY_SAMPLE_INTERVAL_MS", 10*time.Second),
		MemoryCleanupPercent:   float64(getEnvInt("MEMORY_CLEANUP_PERCENT", 85)),
		MemoryEmergencyPercent: float64(getEnvInt("MEMORY_EMERGENCY_PERCENT", 95)),
		MemoryHeapLimitBytes:   int64(getEnvInt("MEMORY_HEAP_LIMIT_BYTES", 0)),

		// Gateway session-create circuit breaker
		GatewayCircuitThreshold:  getEnvInt("GATEWAY_CIRCUIT_THRESHOLD", 10),
		GatewayCircuitResetAfter: getEnvDuration("GATEWAY_CIRCUIT_RESET_MS", 60*time.Second),
		RequireAuth:              getEnvBool("REQUIRE_AUTH", false),

		// Proxy
		ProxyURL:          getEnvString("PROXY_URL", ""),
		ProxyUsername:     getEnvString("PROXY_USERNAME", ""),
		ProxyPassword:     getEnvString("PROXY_PASSWORD", ""),
		AllowLocalProxies: getEnvBool("ALLOW_LOCAL_PROXIES", false), // Default false for security

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Profiling - disabled by default for security
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"), // Localhost only by default

		// Security
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60), // 60 requests per minute per IP
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		IgnoreCertErrors:   getEnvBool("IGNORE_CERT_ERRORS", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		// API Key Authentication
		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),
	}
}

// HasDefaultProxy returns true if a default proxy is configured.
func (c *Config) HasDefaultProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8191")
		c.Port = 8191
	}

	// BrowserPath validation - prevent path traversal attacks
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	// Rate limit validation with upper bound
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60 RPM")
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// PProf security warning
	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	// CORS security warning
	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected")
	}

	// Certificate validation warning
	if c.IgnoreCertErrors {
		if c.ProxyURL == "" {
			log.Warn().Msg("WARNING: IGNORE_CERT_ERRORS enabled without a proxy - this exposes you to MITM attacks")
		} else {
			log.Info().Msg("IGNORE_CERT_ERRORS enabled for proxy compatibility")
		}
	}

	// Proxy URL and credential validation
	if c.ProxyURL != "" {
		if err := security.ValidateProxyURL(c.ProxyURL, c.AllowLocalProxies); err != nil {
			log.Error().
				Str("proxy_url", security.RedactProxyURL(c.ProxyURL)).
				Err(err).
				Msg("ProxyURL failed validation")
		}
		if strings.Contains(c.ProxyURL, "@") {
			log.Warn().Msg("ProxyURL contains embedded credentials (@) - use PROXY_USERNAME and PROXY_PASSWORD environment variables instead for better security")
		}
	}

	if c.ProxyUsername != "" && c.ProxyPassword == "" {
		log.Warn().Msg("PROXY_USERNAME set but PROXY_PASSWORD is empty - authentication may fail")
	}
	if c.ProxyPassword != "" && c.ProxyUsername == "" {
		log.Warn().Msg("PROXY_PASSWORD set but PROXY_USERNAME is empty - authentication may fail")
	}
	if (c.ProxyUsername != "" || c.ProxyPassword != "") && c.ProxyURL == "" {
		log.Warn().Msg("Proxy credentials set but PROXY_URL is empty - credentials will not be used")
	}
	if (c.ProxyUsername != "" || c.ProxyPassword != "") && c.ProxyURL != "" {
		if strings.HasPrefix(strings.ToLower(c.ProxyURL), "http://") {
			log.Warn().Msg("WARNING: Proxy credentials over HTTP - credentials may be intercepted. Consider using HTTPS proxy")
		}
	}

	// Port conflict validation
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PProfEnabled {
		if existingName, exists := usedPorts[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", existingName).
				Msg("PPROF_PORT conflicts with another port, adjusting")
			c.PProfPort = 6060
			for usedPorts[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}

	// API key validation with minimum length enforcement
	if c.APIKeyEnabled {
		const maxAPIKeyLength = 256
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - requests with a missing or empty X-API-Key header will pass authentication")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		default:
			if len(c.APIKey) > maxAPIKeyLength {
				log.Error().
					Int("length", len(c.APIKey)).
					Int("max", maxAPIKeyLength).
					Msg("API_KEY is too long")
			}
			for i, r := range c.APIKey {
				if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
					(r >= '0' && r <= '9') || r == '-' || r == '_') {
					log.Warn().
						Int("position", i).
						Msg("API_KEY contains non-alphanumeric characters (only a-z, A-Z, 0-9, -, _ are recommended)")
					break
				}
			}
		}
	}

	// Navigation timeout/retry validation
	if c.NavPrimaryTimeout < time.Second {
		log.Warn().Dur("timeout", c.NavPrimaryTimeout).Msg("NAV_PRIMARY_TIMEOUT_MS too short, using 20s")
		c.NavPrimaryTimeout = 20 * time.Second
	}
	if c.NavFallbackTimeout < time.Second {
		log.Warn().Dur("timeout", c.NavFallbackTimeout).Msg("NAV_FALLBACK_TIMEOUT_MS too short, using 15s")
		c.NavFallbackTimeout = 15 * time.Second
	}
	if c.NavRetries < 1 {
		log.Warn().Int("retries", c.NavRetries).Msg("NAV_RETRIES too low, using 3")
		c.NavRetries = 3
	}

	// Operation fabric validation
	if c.OpTimeout < time.Second {
		log.Warn().Dur("timeout", c.OpTimeout).Msg("OP_TIMEOUT_MS too short, using 10s")
		c.OpTimeout = 10 * time.Second
	}
	if c.OpRetries < 1 {
		log.Warn().Int("retries", c.OpRetries).Msg("OP_RETRIES too low, using 2")
		c.OpRetries = 2
	}
	if c.CircuitThreshold < 1 {
		log.Warn().Int("threshold", c.CircuitThreshold).Msg("CIRCUIT_THRESHOLD too low, using 5")
		c.CircuitThreshold = 5
	}
	if c.CircuitResetAfter < time.Second {
		log.Warn().Dur("reset_after", c.CircuitResetAfter).Msg("CIRCUIT_RESET_MS too short, using 60s")
		c.CircuitResetAfter = 60 * time.Second
	}

	// Viewport and screencast validation
	if c.DefaultViewportWidth < 1 || c.DefaultViewportHeight < 1 {
		log.Warn().Msg("invalid default viewport dimensions, using 1440x1880")
		c.DefaultViewportWidth = 1440
		c.DefaultViewportHeight = 1880
	}
	if c.ScreencastQuality < 1 || c.ScreencastQuality > 100 {
		log.Warn().Int("quality", c.ScreencastQuality).Msg("SCREENCAST_QUALITY out of range, using 60")
		c.ScreencastQuality = 60
	}
	if c.ScreencastEveryNthFrame < 1 {
		log.Warn().Int("every_nth_frame", c.ScreencastEveryNthFrame).Msg("SCREENCAST_EVERY_NTH_FRAME too low, using 2")
		c.ScreencastEveryNthFrame = 2
	}

	// Gateway timer validation
	if c.LivenessPingInterval < time.Second {
		log.Warn().Dur("interval", c.LivenessPingInterval).Msg("LIVENESS_PING_INTERVAL_MS too short, using 30s")
		c.LivenessPingInterval = 30 * time.Second
	}
	if c.DeadPeerCheckInterval <= c.LivenessPingInterval {
		log.Warn().Msg("DEAD_PEER_CHECK_INTERVAL_MS should exceed LIVENESS_PING_INTERVAL_MS, using 45s")
		c.DeadPeerCheckInterval = 45 * time.Second
	}
	if c.MaxHealthCheckFailures < 1 {
		log.Warn().Int("max_failures", c.MaxHealthCheckFailures).Msg("MAX_HEALTH_CHECK_FAILURES too low, using 5")
		c.MaxHealthCheckFailures = 5
	}

	// Stream pump validation
	if c.FrameQueueMax < 1 {
		log.Warn().Int("frame_queue_max", c.FrameQueueMax).Msg("FRAME_QUEUE_MAX too low, using 10")
		c.FrameQueueMax = 10
	}
	if c.BufferHighWatermark < 1024 {
		log.Warn().Int64("watermark_bytes", c.BufferHighWatermark).Msg("BUFFER_HIGH_WATERMARK_BYTES too low, using 5MB")
		c.BufferHighWatermark = 5 * 1024 * 1024
	}

	// Session lifecycle validation
	if c.SessionTimeout < time.Second {
		log.Warn().Dur("timeout", c.SessionTimeout).Msg("SESSION_TIMEOUT_MS too short, using 300s")
		c.SessionTimeout = 300 * time.Second
	}
	if c.StaleSweepInterval < time.Second {
		log.Warn().Dur("interval", c.StaleSweepInterval).Msg("STALE_SWEEP_INTERVAL_MS too short, using 60s")
		c.StaleSweepInterval = 60 * time.Second
	}
	if c.MaxSessionRetries < 1 {
		log.Warn().Int("retries", c.MaxSessionRetries).Msg("MAX_SESSION_RETRIES too low, using 3")
		c.MaxSessionRetries = 3
	}

	// Memory governor validation
	if c.MemorySampleInterval < time.Second {
		log.Warn().Dur("interval", c.MemorySampleInterval).Msg("MEMORY_SAMPLE_INTERVAL_MS too short, using 10s")
		c.MemorySampleInterval = 10 * time.Second
	}
	if c.MemoryCleanupPercent <= 0 || c.MemoryCleanupPercent >= 100 {
		log.Warn().Float64("percent", c.MemoryCleanupPercent).Msg("MEMORY_CLEANUP_PERCENT out of range, using 85")
		c.MemoryCleanupPercent = 85
	}
	if c.MemoryEmergencyPercent <= c.MemoryCleanupPercent || c.MemoryEmergencyPercent > 100 {
		log.Warn().Float64("percent", c.MemoryEmergencyPercent).Msg("MEMORY_EMERGENCY_PERCENT out of range, using 95")
		c.MemoryEmergencyPercent = 95
	}
	if c.MemoryHeapLimitBytes < 0 {
		log.Warn().Int64("bytes", c.MemoryHeapLimitBytes).Msg("MEMORY_HEAP_LIMIT_BYTES negative, using 0 (auto)")
		c.MemoryHeapLimitBytes = 0
	}

	// Gateway session-create circuit breaker validation
	if c.GatewayCircuitThreshold < 1 {
		log.Warn().Int("threshold", c.GatewayCircuitThreshold).Msg("GATEWAY_CIRCUIT_THRESHOLD too low, using 10")
		c.GatewayCircuitThreshold = 10
	}
	if c.GatewayCircuitResetAfter < time.Second {
		log.Warn().Dur("reset_after", c.GatewayCircuitResetAfter).Msg("GATEWAY_CIRCUIT_RESET_MS too short, using 60s")
		c.GatewayCircuitResetAfter = 60 * time.Second
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			if intValue < -2147483648 || intValue > 2147483647 {
				log.Warn().
					Str("key", key).
					Str("value", value).
					Int("default", defaultValue).
					Msg("Integer value out of range in environment variable, using default")
				return defaultValue
			}
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// The *_MS variables are documented as integer milliseconds; a bare
		// number is read that way. Go duration strings ("20s") also work.
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			if ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
