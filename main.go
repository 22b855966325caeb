package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embedded zone data so local-date scheduling works in containers
	// without a tzdata package installed.
	_ "time/tzdata"

	"github.com/capsulenote/capsule/api"
	"github.com/capsulenote/capsule/booking"
	"github.com/capsulenote/capsule/datastore"
	"github.com/capsulenote/capsule/dispatch"
	"github.com/capsulenote/capsule/ledger"
	rh "github.com/capsulenote/capsule/route-handlers"
	"github.com/capsulenote/capsule/scheduling"
	"github.com/capsulenote/capsule/webhooks"
	_ "github.com/lib/pq"
)

const (
	defaultPort             = "8080"
	defaultDatabaseURL      = "user=postgres password=password dbname=capsule host=localhost port=5432 sslmode=disable"
	defaultSendGridFrom     = "letters@capsulenote.dev"
	defaultSendGridName     = "Capsule Note"
	defaultPostalEndpoint   = "https://api.postalprint.example.com/v1/letters"
	defaultDispatchCronSpec = "*/5 * * * *"
	dbPingTimeout           = 5 * time.Second
	shutdownTimeout         = 15 * time.Second
	dbMaxOpenConns          = 25
	dbMaxIdleConns          = 25
	dbConnMaxLifetime       = 5 * time.Minute
)

type config struct {
	port                 string
	databaseURL          string
	sendGridAPIKey       string
	sendGridFromEmail    string
	sendGridFromName     string
	postalAPIEndpoint    string
	postalAPIKey         string
	billingWebhookSecret string
	dispatchCronSpec     string
}

func main() {
	cfg := loadConfig()

	db, err := setupDatabase(cfg.databaseURL)
	if err != nil {
		log.Fatalf("Database setup failed: %v", err)
	}
	defer db.Close()

	userRepo := datastore.NewUserRepository(db)
	letterRepo := datastore.NewLetterRepository(db)
	deliveryRepo := datastore.NewScheduledDeliveryRepository(db)
	creditRepo := datastore.NewCreditRepository(db)
	attemptRepo := datastore.NewDispatchAttemptRepository(db)

	creditLedger := ledger.New(creditRepo)
	bookingService := booking.NewService(letterRepo, deliveryRepo, creditLedger, scheduling.DefaultConfig)

	// Initialize the dispatch system
	emailProvider := dispatch.NewEmailProvider(cfg.sendGridAPIKey, cfg.sendGridFromEmail, cfg.sendGridFromName)
	postalProvider := dispatch.NewPostalProvider(cfg.postalAPIEndpoint, cfg.postalAPIKey)
	dispatcher := dispatch.NewDispatcher(deliveryRepo, letterRepo, userRepo, attemptRepo, creditLedger,
		emailProvider, postalProvider)

	userHandler := rh.NewUserHandler(userRepo)
	letterHandler := rh.NewLetterHandler(letterRepo)
	deliveryHandler := rh.NewDeliveryHandler(bookingService, deliveryRepo)
	creditHandler := rh.NewCreditHandler(creditLedger)

	billingHandler := webhooks.NewBillingHandler(creditLedger, cfg.billingWebhookSecret)

	router := api.SetupRoutes(
		userHandler,
		letterHandler,
		deliveryHandler,
		creditHandler,
		dispatcher.HandleTick,
		billingHandler.HandleBillingEvent,
	)

	dispatchCron, err := dispatcher.StartCron(cfg.dispatchCronSpec)
	if err != nil {
		log.Fatalf("Dispatch cron setup failed: %v", err)
	}
	defer dispatchCron.Stop()

	startServer(cfg.port, router)
}

func loadConfig() config {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	dbURL := os.Getenv("DB_CONNECTION_STRING")
	if dbURL == "" {
		dbURL = defaultDatabaseURL
		log.Println("WARNING: DB_CONNECTION_STRING not set, using default local connection string.")
	}

	sendGridAPIKey := os.Getenv("SENDGRID_API_KEY")
	if sendGridAPIKey == "" {
		log.Println("WARNING: SENDGRID_API_KEY not set. Email dispatch will fail at runtime.")
	}

	sendGridFrom := os.Getenv("SENDGRID_FROM_EMAIL")
	if sendGridFrom == "" {
		sendGridFrom = defaultSendGridFrom
	}

	sendGridName := os.Getenv("SENDGRID_FROM_NAME")
	if sendGridName == "" {
		sendGridName = defaultSendGridName
	}

	postalEndpoint := os.Getenv("POSTAL_API_ENDPOINT")
	if postalEndpoint == "" {
		postalEndpoint = defaultPostalEndpoint
	}

	postalAPIKey := os.Getenv("POSTAL_API_KEY")
	if postalAPIKey == "" {
		log.Println("WARNING: POSTAL_API_KEY not set. Physical dispatch will fail at runtime.")
	}

	billingSecret := os.Getenv("BILLING_WEBHOOK_SECRET")
	if billingSecret == "" {
		log.Println("WARNING: BILLING_WEBHOOK_SECRET not set. Billing webhooks will be rejected.")
	}

	cronSpec := os.Getenv("DISPATCH_CRON_SPEC")
	if cronSpec == "" {
		cronSpec = defaultDispatchCronSpec
	}

	return config{
		port:                 port,
		databaseURL:          dbURL,
		sendGridAPIKey:       sendGridAPIKey,
		sendGridFromEmail:    sendGridFrom,
		sendGridFromName:     sendGridName,
		postalAPIEndpoint:    postalEndpoint,
		postalAPIKey:         postalAPIKey,
		billingWebhookSecret: billingSecret,
		dispatchCronSpec:     cronSpec,
	}
}

func setupDatabase(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(dbMaxOpenConns)
	db.SetMaxIdleConns(dbMaxIdleConns)
	db.SetConnMaxLifetime(dbConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close() // Close unusable connection pool
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Database connection successful")
	return db, nil
}

func startServer(port string, router http.Handler) {
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on port %s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownSignal // Block until signal received
	log.Println("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}
