package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veridian-security/customer-registry-service/internal/api"
	"github.com/veridian-security/customer-registry-service/internal/cache"
	"github.com/veridian-security/customer-registry-service/internal/crypto"
	"github.com/veridian-security/customer-registry-service/internal/model"
	"github.com/veridian-security/customer-registry-service/internal/monitoring"
	"github.com/veridian-security/customer-registry-service/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		port      = flag.Int("port", 8080, "HTTP server port")
		dbHost    = flag.String("db-host", "localhost", "Database host")
		dbPort    = flag.Int("db-port", 5432, "Database port")
		dbUser    = flag.String("db-user", "admin", "Database user")
		dbPass    = flag.String("db-pass", "securepassword", "Database password")
		dbName    = flag.String("db-name", "customer_registry", "Database name")
		redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address")
	)
	flag.Parse()

	secretKey := os.Getenv("APP_SECRET_KEY")
	if secretKey == "" {
		log.Fatal().Msg("APP_SECRET_KEY must be set (32 bytes)")
	}
	enc, err := crypto.NewEncryptor([]byte(secretKey))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid encryption key")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		*dbHost, *dbPort, *dbUser, *dbPass, *dbName)

	repo, err := store.NewCustomerRepository(context.Background(), dsn, *redisAddr, enc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer repo.Close()

	log.Info().Str("variant", string(repo.Variant())).Msg("Customer schema variant resolved")

	monitoring.InitMetrics()

	lists := cache.NewListCache(func(ctx context.Context, key cache.Key) (*model.CustomerPage, error) {
		return repo.List(ctx, model.ListFilter{Status: key.Status}, key.Limit, key.Offset)
	}, cache.Config{})

	// Warm the first page of active customers so the first dashboard load
	// hits a fresh entry.
	lists.Prefetch(cache.Key{Status: model.StatusActive, Limit: store.DefaultListLimit, Offset: 0})

	handler := api.NewHandler(repo, lists)
	router := api.NewRouter(handler, promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Msgf("Starting Customer Registry Service on port %d", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
	log.Info().Msg("Server exiting")
}
