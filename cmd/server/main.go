package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/exchange-api/internal/accounts"
	"github.com/ksred/exchange-api/internal/auth"
	"github.com/ksred/exchange-api/internal/database"
	"github.com/ksred/exchange-api/internal/engine"
	"github.com/ksred/exchange-api/internal/publisher"
	"github.com/ksred/exchange-api/internal/risk"
	"github.com/ksred/exchange-api/internal/trading"
	"github.com/ksred/exchange-api/pkg/middleware"

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

// main initializes and runs the exchange API server with graceful shutdown
// support. It wires the account, risk, matching and publishing services
// together and exposes them over the HTTP API.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	accountsService := accounts.NewService(db)
	accountsHandlers := accounts.NewGinHandlers(accountsService)

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "exchange-secret-key"
	}
	authService := auth.NewService(jwtSecret, accountsService)
	authHandlers := auth.NewGinHandlers(authService)

	riskManager, err := risk.NewManager(db, accountsService, risk.LimitsFromEnv())
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize risk manager")
	}
	riskHandlers := risk.NewGinHandlers(riskManager)

	publisherService := publisher.NewService(db)
	publisherHandlers := publisher.NewGinHandlers(publisherService)

	matchingEngine := engine.NewEngine(riskManager, publisherService)

	tradingService := trading.NewService(db, matchingEngine, publisherService.GetDB())
	tradingHandlers := trading.NewGinHandlers(tradingService)

	// Start the trade announcement fan-out and the account bookkeeper
	// consuming it
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go publisherService.Start(workerCtx)
	go accountsService.ConsumeTrades(workerCtx, publisherService.Subscribe("accounts", 256))
	go riskManager.StartDailyReset(workerCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, tradingHandlers, accountsHandlers, publisherHandlers, riskHandlers)

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

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for registration and login
// - Order and account routes: Protected by JWT authentication
// - Market data routes: Public order book depth and recent trades
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	accountsHandlers *accounts.GinHandlers,
	publisherHandlers *publisher.GinHandlers,
	riskHandlers *risk.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandlers.RegisterHandler())
			authGroup.POST("/login", authHandlers.LoginHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", tradingHandlers.SubmitOrderHandler())
			orders.GET("", tradingHandlers.GetUserOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		// Account routes
		account := v1.Group("/account")
		account.Use(middleware.JWTAuth())
		{
			account.GET("", accountsHandlers.GetProfileHandler())
			account.POST("/deposit", accountsHandlers.DepositHandler())
			account.GET("/risk", riskHandlers.GetRiskStateHandler())
			account.GET("/trades", publisherHandlers.GetUserTradesHandler())
		}

		// Market data routes
		v1.GET("/orderbook/:symbol", tradingHandlers.GetOrderBookHandler())
		v1.GET("/trades/:symbol", publisherHandlers.GetRecentTradesHandler())

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/holdings", accountsHandlers.GrantHoldingHandler())
			internal.POST("/reconcile/:symbol", tradingHandlers.ReconcileBookHandler())
			internal.POST("/risk/reset", riskHandlers.ResetDailyHandler())
		}
	}
}
