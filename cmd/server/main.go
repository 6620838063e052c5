package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	"github.com/tagbro/affiliate-backend/internal/database"
	mW "github.com/tagbro/affiliate-backend/internal/middleware"
	"github.com/tagbro/affiliate-backend/internal/services"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.lock_timeout_ms", "DATABASE_LOCK_TIMEOUT_MS")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("api.sync_key", "API_SYNC_KEY")
	viper.BindEnv("referral.commission_rate", "REFERRAL_COMMISSION_RATE")
	viper.BindEnv("conversion.commission_rate", "CONVERSION_COMMISSION_RATE")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	clickService := services.NewClickService(db, redisClient)
	conversionService := services.NewConversionService(db, redisClient)
	settlementService := services.NewSettlementService(db)
	userService := services.NewUserService(db)
	financeService := services.NewFinanceService(db)
	authService := services.NewAuthService(db, redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "x-api-key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Conversion ingestion (no auth: networks call these directly)
		r.Get("/postback", conversionService.HandlePostback)
		r.Post("/postback", conversionService.HandlePostback)
		r.Get("/pixel", conversionService.HandlePixel)

		// Click tracking
		r.Post("/clicks", clickService.TrackClick)
		r.Get("/clicks/{clickid}", clickService.GetClick)

		// Server-to-server user mirror
		r.Group(func(r chi.Router) {
			r.Use(mW.APIKeyMiddleware)
			r.Post("/users/sync", userService.SyncUsers)
			r.Get("/users/{userID}/stats", userService.GetUserStats)
		})
	})

	// Admin surface
	r.Route("/admin", func(r chi.Router) {
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		r.Group(func(r chi.Router) {
			r.Use(mW.InitAuthMiddleware(redisClient))

			r.Post("/settlements", settlementService.HandleSettle)
			r.Get("/settlements", financeService.ListSettlements)
			r.Post("/settlements/{recordID}/revert", settlementService.HandleRevert)
			r.Post("/adjustments", settlementService.HandleAdjustment)
			r.Get("/conversions/pending", financeService.ListPendingConversions)

			r.Get("/finance/overview", financeService.GetOverview)
			r.Get("/finance/report", financeService.GetRangeReport)
			r.Get("/finance/journey/{entityID}", financeService.GetJourney)
			r.Get("/finance/users/{userID}/ledger", financeService.ListUserLedger)
			r.Get("/finance/users/{userID}/wallet", financeService.GetWallet)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
