package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"powcaptcha/internal/config"
	"powcaptcha/internal/crypto"
	"powcaptcha/internal/database"
	"powcaptcha/internal/engine"
	"powcaptcha/internal/handlers"
	"powcaptcha/internal/master"
	"powcaptcha/internal/pow"
	"powcaptcha/internal/store"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	salt := cfg.PowSalt
	if salt == "" {
		generated, err := crypto.GenerateRandomBytes(32)
		if err != nil {
			log.Fatalf("Failed to generate PoW salt: %v", err)
		}
		salt = crypto.EncodeBase64(generated)
		log.Printf("Generated random PoW salt: %s", salt)
		log.Println("WARNING: Using random salt. Set POW_SALT in config.env so challenges survive restarts!")
	}

	powService, err := pow.NewService(pow.Config{
		Salt:          salt,
		Algorithm:     cfg.PowAlgorithm,
		Argon2Time:    cfg.Argon2Time,
		Argon2Memory:  cfg.Argon2Memory,
		Argon2Threads: cfg.Argon2Threads,
		Argon2KeyLen:  cfg.Argon2KeyLen,
	})
	if err != nil {
		log.Fatalf("Failed to configure proof of work: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backend store.Store
	if cfg.RedisURL != "" {
		backend, err = store.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		log.Println("Using redis challenge store")
	} else {
		backend = store.NewMemory()
		log.Println("Using in-memory challenge store")
	}
	defer backend.Close()

	var analytics engine.AnalyticsSink = engine.NoopSink{}
	var analyticsReader handlers.PerformanceFetcher
	if cfg.EnableAnalytics {
		db, err := database.NewDB(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		analytics = db
		analyticsReader = db
		log.Printf("Analytics database: %s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)

		retention := time.Duration(cfg.AnalyticsRetentionDays) * 24 * time.Hour
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := db.CleanupOldRecords(retention); err != nil {
						log.Printf("Failed to clean up old analytics records: %v", err)
					}
				}
			}
		}()
	}

	coordinator := master.New(backend)
	verifier := engine.New(coordinator, backend, powService, analytics,
		time.Duration(cfg.ChallengeTTLSeconds)*time.Second,
		time.Duration(cfg.TokenTTLSeconds)*time.Second,
	)

	handler := handlers.NewHandler(verifier, coordinator, analyticsReader)

	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/pow/config", handler.ConfigHandler).Methods("POST")
	api.HandleFunc("/pow/verify", handler.VerifyHandler).Methods("POST")
	api.HandleFunc("/pow/siteverify", handler.SiteVerifyHandler).Methods("POST")
	api.HandleFunc("/sites", handler.RegisterSiteHandler).Methods("POST")
	api.HandleFunc("/sites/rename", handler.RenameSiteHandler).Methods("POST")
	api.HandleFunc("/sites/{key}", handler.RemoveSiteHandler).Methods("DELETE")
	api.HandleFunc("/analytics/{key}", handler.AnalyticsHandler).Methods("GET")
	api.HandleFunc("/health", handler.HealthHandler).Methods("GET")

	if cfg.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.APICORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	rateLimiter := rate.NewLimiter(
		rate.Every(time.Duration(cfg.APIRateLimitWindowMins)*time.Minute/time.Duration(cfg.APIRateLimitRequests)),
		cfg.APIRateLimitRequests,
	)

	finalHandler := rateLimitMiddleware(rateLimiter)(c.Handler(router))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      finalHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go coordinator.Run(ctx, time.Duration(cfg.GCIntervalSeconds)*time.Second)

	log.Printf("Captcha server starting on %s:%s", cfg.ServerHost, cfg.ServerPort)
	log.Printf("PoW config: algorithm=%s, challenge_ttl=%ds, token_ttl=%ds, gc_interval=%ds",
		cfg.PowAlgorithm, cfg.ChallengeTTLSeconds, cfg.TokenTTLSeconds, cfg.GCIntervalSeconds)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
