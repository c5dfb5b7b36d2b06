/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the sauna booking engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from environment
  2. Initialize SQLite store
  3. Wire gateway, credit ledger, booking service, gusmester economy
  4. Configure HTTP router and sweep scheduler
  5. Start server with graceful shutdown

CONFIGURATION (environment):
  PORT            HTTP server port (default: 8080)
  DB_PATH         SQLite database path (default: booking.db,
                  use ":memory:" for in-memory)
  SWEEP_INTERVAL  Sweep scheduler interval (default: 5m)
  SWEEP_ENABLED   Whether the sweep scheduler runs (default: true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweep
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/kelseyhightower/envconfig"

	"github.com/saunastudio/booking-engine/api"
	"github.com/saunastudio/booking-engine/booking"
	"github.com/saunastudio/booking-engine/credit"
	"github.com/saunastudio/booking-engine/engine"
	"github.com/saunastudio/booking-engine/gateway"
	"github.com/saunastudio/booking-engine/gusmester"
	"github.com/saunastudio/booking-engine/store/sqlite"
)

type config struct {
	Port          int           `envconfig:"PORT" default:"8080"`
	DBPath        string        `envconfig:"DB_PATH" default:"booking.db"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	SweepEnabled  bool          `envconfig:"SWEEP_ENABLED" default:"true"`
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire dependencies. The in-process gateway stands in for the
	// payment provider client; swap it behind the same interface when
	// the provider integration lands.
	clock := engine.SystemClock()
	gw := gateway.NewRetryingGateway(gateway.NewFake())
	ledger := credit.NewLedger(store, clock)
	economy := gusmester.NewEconomy(store, clock)
	bookings := booking.NewService(store, gw, ledger, clock)

	handler := api.NewHandler(store, bookings, ledger, economy, clock)
	router := api.NewRouter(handler)

	// Background sweep
	scheduler := api.NewSweepScheduler(economy, ledger)
	scheduler.CheckInterval = cfg.SweepInterval
	scheduler.Enabled = cfg.SweepEnabled
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", cfg.Port)
		log.Printf("📊 API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
