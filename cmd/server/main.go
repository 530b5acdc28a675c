package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/clearrail/netting-api/internal/auth"
	"github.com/clearrail/netting-api/internal/clearing"
	"github.com/clearrail/netting-api/internal/database"
	"github.com/clearrail/netting-api/internal/events"
	"github.com/clearrail/netting-api/internal/ingest"
	"github.com/clearrail/netting-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the netting API server with graceful shutdown
// support. It wires the event bus, ingest and clearing services, the window
// processor loop, and the HTTP surface.
func main() {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "netting.db"
	}

	db, err := database.NewDatabase(dbPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Event boundary between the clearing core and its collaborators
	bus := events.NewBus()

	// Initialize services and handlers
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "netting-secret-key"
	}
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	ingestService := ingest.NewService(db, currenciesFromEnv())
	ingestHandlers := ingest.NewGinHandlers(ingestService)
	bus.SubscribeObligationCreated(ingestService.HandleObligationCreated)

	clearingService := clearing.NewService(db, bus)
	clearingHandlers := clearing.NewGinHandlers(clearingService)

	// Create and start the window processor
	windowProcessor := clearing.NewProcessor(clearingService)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go windowProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, ingestHandlers, clearingHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// currenciesFromEnv reads the accepted currency whitelist, falling back to
// the rail's default corridor set
func currenciesFromEnv() []string {
	raw := os.Getenv("NETTING_CURRENCIES")
	if raw == "" {
		return ingest.DefaultCurrencies
	}
	var currencies []string
	for _, c := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			currencies = append(currencies, strings.ToUpper(trimmed))
		}
	}
	return currencies
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Obligation routes: Protected by JWT authentication
// - Status routes: Read-only window and result queries
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ingestHandlers *ingest.GinHandlers,
	clearingHandlers *clearing.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Obligation ingest routes
		obligations := v1.Group("/obligations")
		obligations.Use(middleware.JWTAuth())
		{
			obligations.POST("", ingestHandlers.IngestObligationHandler())
			obligations.GET("/:obligation_id", ingestHandlers.GetObligationHandler())
		}

		// Read-only status query surface
		windows := v1.Group("/windows")
		windows.Use(middleware.JWTAuth())
		{
			windows.GET("/:window_id", clearingHandlers.GetWindowHandler())
			windows.GET("/:window_id/results", clearingHandlers.GetWindowResultsHandler())
		}

		results := v1.Group("/results")
		results.Use(middleware.JWTAuth())
		{
			results.GET("/recent", clearingHandlers.GetRecentResultsHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/windows/:window_id/process", clearingHandlers.ProcessWindowHandler())
		}
	}
}
