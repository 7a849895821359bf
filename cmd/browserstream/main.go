// Package main provides the entry point for the browser streaming gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserstream-go/internal/browser"
	"github.com/Rorqualx/browserstream-go/internal/cmpblock"
	"github.com/Rorqualx/browserstream-go/internal/config"
	"github.com/Rorqualx/browserstream-go/internal/dashboard"
	"github.com/Rorqualx/browserstream-go/internal/gateway"
	"github.com/Rorqualx/browserstream-go/internal/memgovernor"
	"github.com/Rorqualx/browserstream-go/internal/middleware"
	"github.com/Rorqualx/browserstream-go/internal/router"
	"github.com/Rorqualx/browserstream-go/internal/session"
	"github.com/Rorqualx/browserstream-go/pkg/version"
)

func main() {
	// Handle --version flag early, before any initialization
	showVersion := flag.Bool("version", false, "Print version and exit")
	blocklistPath := flag.String("cmp-blocklist", "", "Path to an external CMP blocklist YAML file (optional)")
	showDashboard := flag.Bool("dashboard", false, "Run the terminal session dashboard (log output still goes to stdout)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("browserstream-go %s\n", version.Full())
		return
	}

	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	// Validate configuration
	cfg.Validate()

	// Print banner
	printBanner()

	// Hot-reloadable CMP request blocklist, shared by every browser session.
	blocklist := cmpblock.New(*blocklistPath, *blocklistPath != "")
	defer blocklist.Close()

	// BrowserDriver owns browser process launch, CDP target lifecycle and
	// the per-page operations the router dispatches against.
	driver := browser.NewDriver(cfg, blocklist)

	// SessionManager owns per-client session creation, health probing and
	// recovery. Cleaned up via gateway.Shutdown below.
	sessMgr := session.NewManager(cfg, driver)

	// MemoryGovernor samples heap usage and sheds load (trims or drops frame
	// queues, degrades screencast quality) under pressure. Stopped
	// via gateway.Shutdown below.
	governor := memgovernor.New(int(cfg.MemoryHeapLimitBytes/1024/1024), cfg.MemorySampleInterval, cfg.MemoryCleanupPercent, cfg.MemoryEmergencyPercent)
	governor.Start()

	// MessageRouter dispatches inbound WebSocket commands to the driver
	// through the operation fabric's retry/timeout/circuit-breaker wrapping.
	r := router.New(cfg, driver, sessMgr)

	// Authenticator gates the WebSocket upgrade handshake.
	var auth gateway.Authenticator = gateway.PermissiveAuthenticator{}
	if cfg.RequireAuth {
		log.Info().Msg("gateway authentication enabled")
		auth = gateway.TokenAuthenticator{}
	}

	gw := gateway.New(cfg, sessMgr, driver, governor, r, auth)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeHTTP)
	// The WebSocket route cannot sit behind the Timeout middleware (the
	// upgrade needs the raw hijackable ResponseWriter), so only /health is
	// deadline-bounded.
	mux.Handle("/health", middleware.Timeout(5*time.Second)(http.HandlerFunc(gw.HealthHandler)))

	// Middleware chain around the gateway's HTTP surface. Order mirrors the
	// original handler chain: recovery outermost, then logging, then rate
	// limiting, then API key auth, then security headers, then CORS
	// innermost.
	mws := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		mws = append(mws, rateLimiter.Handler())
	}

	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		mws = append(mws, middleware.APIKey(cfg))
	}

	mws = append(mws,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
		}),
	)

	finalHandler := middleware.Chain(mws...)(mux)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       0, // WebSocket connections are long-lived
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Prevent slowloris attacks
	}

	// Start pprof server if enabled
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	// Start main server in goroutine
	go func() {
		log.Info().
			Str("address", addr).
			Bool("require_auth", cfg.RequireAuth).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("gateway is ready to accept connections")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal, or for the dashboard's q/Ctrl+C if running.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if *showDashboard {
		go func() {
			if err := dashboard.Run(gw, sessMgr); err != nil {
				log.Error().Err(err).Msg("dashboard exited with error")
			}
			quit <- syscall.SIGTERM
		}()
	}

	<-quit

	// Stop receiving signals to prevent double-shutdown
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown main server
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Shutdown pprof server if running
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	// Close rate limiter to stop cleanup goroutine
	if rateLimiter != nil {
		rateLimiter.Close()
	}

	// Close every live client connection and its session.
	gw.Shutdown(ctx)

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _                                       _
| |__  _ __ _____      _____  ___ _ __  | |
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ '__| | |
| |_) | | | (_) \ V  V /\__ \  __/ |    |_|
|_.__/|_|  \___/ \_/\_/ |___/\___|_|    (_)
                                 Go Edition
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting gateway")
}
