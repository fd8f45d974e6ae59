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
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/tmchealth/backend/docs"
	"github.com/tmchealth/backend/internal/config"
	"github.com/tmchealth/backend/internal/database"
	"github.com/tmchealth/backend/internal/handlers"
	mW "github.com/tmchealth/backend/internal/middleware"
	"github.com/tmchealth/backend/internal/services"
	"github.com/tmchealth/backend/internal/signature"
)

// @title TMC Health Platform API
// @version 1.0
// @description API for telemedicine credit ledger and prescription signing
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

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

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "TMC Health Platform API"
	docs.SwaggerInfo.Description = "API for telemedicine credit ledger and prescription signing"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	signer := signature.NewService(signature.NewAuditLogger())
	pricing := config.LoadPricingConfig()

	ledgerService := services.NewLedgerService(db)
	creditService := services.NewCreditService(ledgerService, redisClient, pricing)
	prescriptionService := services.NewPrescriptionService(db, signer, ledgerService, pricing)
	certificateService := services.NewCertificateService(db, signer)
	complianceService := services.NewComplianceService()
	settlementService := services.NewSettlementService()
	authService := services.NewAuthService(db, redisClient)
	accessCodeService := services.NewAccessCodeService(db, redisClient)
	accessCodeHandler := handlers.NewAccessCodeHandler(accessCodeService)
	qrService := services.NewQRService(db, redisClient)
	verificationHandler := handlers.NewVerificationHandler(qrService)
	paymentMethodService := services.NewPaymentMethodService()
	dictationService := services.NewDictationService()
	defer dictationService.Close()

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for payment method logos
	r.Handle("/static/payment-logos/*", http.StripPrefix("/static/payment-logos/",
		mW.StaticFileServer("./static/payment-logos")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Post("/auth/request-otp", authService.RequestEmailOTP)
		r.Post("/auth/verify-otp", authService.VerifyEmailOTP)
		r.Get("/payment-methods", paymentMethodService.GetRechargeMethods)

		// Pharmacy-facing verification endpoints
		r.Get("/prescriptions/{id}/verify", prescriptionService.Verify)
		r.Post("/prescriptions/electronic-verification", prescriptionService.ElectronicVerification)
		r.Post("/verification/qr/resolve", verificationHandler.ResolveQR)
		r.Post("/access-codes/validate", accessCodeHandler.ValidateCode)
		r.Post("/compliance/check", complianceService.Check)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			// Credit ledger endpoints
			r.Get("/credits/balance", creditService.GetBalance)
			r.Get("/credits/transactions", creditService.GetTransactions)
			r.Post("/credits/recharge", creditService.Recharge)
			r.Post("/credits/transfer", creditService.Transfer)
			r.Post("/credits/charge-feature", creditService.ChargeFeature)
			r.Post("/credits/consultation-payment", creditService.PayConsultation)

			// Prescription signing endpoints
			r.Post("/prescriptions/sign", prescriptionService.Sign)
			r.Post("/prescriptions/dictate", dictationService.TranscribeAudio)

			// Signing certificate endpoints
			r.Post("/certificates/provision", certificateService.Provision)
			r.Get("/certificates/doctor/{doctorId}", certificateService.GetDoctorCertificates)
			r.Put("/certificates/{serial}/suspend", certificateService.Suspend)
			r.Put("/certificates/{serial}/reinstate", certificateService.Reinstate)
			r.Put("/certificates/{serial}/revoke", certificateService.Revoke)

			// Settlement endpoints
			r.Post("/settlement/convert", settlementService.ConvertRecharge)
			r.Post("/settlement/confirm", settlementService.ProcessSettlement)

			// Access code endpoints
			r.Post("/access-codes/generate", accessCodeHandler.GenerateCode)
			r.Get("/access-codes", accessCodeHandler.GetPatientCodes)

			// Verification QR endpoints
			r.Post("/verification/qr", verificationHandler.GenerateQR)
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
