package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/config"
	"github.com/stockauth/stockauth/internal/handlers"
	"github.com/stockauth/stockauth/internal/metrics"
	"github.com/stockauth/stockauth/internal/middleware"
	"github.com/stockauth/stockauth/internal/models"
	"github.com/stockauth/stockauth/internal/notifier"
	"github.com/stockauth/stockauth/internal/repository"
	"github.com/stockauth/stockauth/internal/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, using info")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	dynamoClient, err := repository.NewDynamoDBClient(ctx, cfg.DynamoDB)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}
	logger.Info("DynamoDB client initialized")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	cancelPing()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Repositories
	tableName := cfg.DynamoDB.TableName
	userRepo := repository.NewUserRepository(dynamoClient, tableName, logger)
	otpRepo := repository.NewOTPRepository(dynamoClient, tableName, logger)
	auditRepo := repository.NewAuditRepository(dynamoClient, tableName, logger)
	errorLogRepo := repository.NewErrorLogRepository(dynamoClient, tableName)
	rateLimitRepo := repository.NewRateLimitRepository(redisClient, cfg.Redis.KeyPrefix)
	ticketRepo := repository.NewResetTicketRepository(redisClient, cfg.Redis.KeyPrefix)

	// Services
	jwtService, err := service.NewJWTService(&cfg.JWT, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	passwords, err := service.NewPasswordHasher(cfg.Auth.BcryptCost)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize password hasher")
	}

	limiter := service.NewRateLimiter(rateLimitRepo, cfg.RateLimit, logger, m)
	otpService := service.NewOTPService(otpRepo, &cfg.OTP, logger, m)

	audit := service.NewAuditDispatcher(auditRepo, cfg.Audit.BufferSize, logger, m)
	defer audit.Close()

	authService := service.NewAuthService(service.AuthDeps{
		Users:     userRepo,
		Limiter:   limiter,
		OTPs:      otpService,
		Passwords: passwords,
		Sessions:  jwtService,
		Notifier:  newNotifier(cfg.Mail, logger),
		Audit:     audit,
		ErrorLog:  errorLogRepo,
		Tickets:   ticketRepo,
		Metrics:   m,
	}, cfg.Auth, cfg.OTP.Expiry, logger)

	sweeper := service.NewTokenSweeper(otpService, errorLogRepo, cfg.OTP.PurgeInterval, logger)
	go sweeper.Run(ctx)

	authHandlers := handlers.NewAuthHandlers(authService, logger)
	adminHandlers := handlers.NewAdminHandlers(limiter, logger)
	authMiddleware := middleware.NewAuthMiddleware(jwtService, logger)

	router := setupRouter(cfg, authHandlers, adminHandlers, authMiddleware, registry, m, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func newNotifier(cfg config.MailConfig, logger *logrus.Logger) service.Notifier {
	if cfg.Host == "" {
		logger.Warn("MAIL_HOST not set, codes are written to the debug log instead of mailed")
		return notifier.NewLogNotifier(logger)
	}

	smtp, err := notifier.NewSMTPNotifier(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize mail notifier")
	}
	return smtp
}

func setupRouter(
	cfg *config.Config,
	authHandlers *handlers.AuthHandlers,
	adminHandlers *handlers.AdminHandlers,
	authMiddleware *middleware.AuthMiddleware,
	registry *prometheus.Registry,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.LoggingMiddleware(logger, m))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", authHandlers.Login).Methods("POST", "OPTIONS")
	auth.HandleFunc("/verify-otp", authHandlers.VerifyOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/forgot-password", authHandlers.ForgotPassword).Methods("POST", "OPTIONS")
	auth.HandleFunc("/verify-otp-password", authHandlers.VerifyResetOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/reset-password", authHandlers.ResetPassword).Methods("POST", "OPTIONS")
	auth.HandleFunc("/resend-otp-login", authHandlers.ResendLoginOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/resend-otp-password", authHandlers.ResendResetOTP).Methods("POST", "OPTIONS")

	api.Handle("/me", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.Me))).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(authMiddleware.RequireAuth, middleware.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/rate-limits/{identifier}", adminHandlers.GetRateLimits).Methods("GET")
	admin.HandleFunc("/rate-limits/{identifier}", adminHandlers.ClearRateLimits).Methods("DELETE")

	return router
}
