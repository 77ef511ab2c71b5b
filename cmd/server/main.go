/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, LOYALTY_* env, flags)
  2. Open the SQL store (SQLite or Postgres)
  3. Build domain event publishers (log, Kafka, RabbitMQ)
  4. Create API handler and load the catalog file, if any
  5. Start the tier scheduler and the Kafka event consumer
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config   YAML config file (optional)
  -port     HTTP server port (default: 8080)
  -db       Database DSN (default: loyalty.db)
            Use ":memory:" for an in-memory SQLite database
  -driver   Database driver: sqlite3 or postgres
  -catalog  Catalog JSON loaded at startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM, or when the event consumer gives up on a message:
  1. Stop the consumer and the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close publishers and the database connection
  5. Exit (status 1 after a consumer or server failure, so the supervisor
     restarts the process and the consumer resumes at the last commit)

EXAMPLES:
  # Run with file database and a catalog
  ./server -db="./data/loyalty.db" -catalog=./catalog.json

  # Run against Postgres with Kafka configured in a file
  ./server -config=loyalty.yaml -driver=postgres -db="postgres://loyalty@db/loyalty"

SEE ALSO:
  - config/config.go: Configuration keys and environment variables
  - api/server.go: Router configuration
  - store/sqlstore: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/core"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/notify"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 8080, "HTTP server port")
	dsn := flag.String("db", "loyalty.db", "Database DSN")
	driver := flag.String("driver", "sqlite3", "Database driver (sqlite3 or postgres)")
	catalog := flag.String("catalog", "", "Catalog JSON loaded at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	// Flags given explicitly win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.HTTP.Port = *port
		case "db":
			cfg.Database.DSN = *dsn
		case "driver":
			cfg.Database.Driver = *driver
		case "catalog":
			cfg.Catalog = *catalog
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize store
	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ids, err := core.NewSnowflakeIDs(cfg.Accrual.NodeID)
	if err != nil {
		return fmt.Errorf("failed to initialize id generator: %w", err)
	}

	publisher, closers := buildPublishers(cfg)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Printf("Warning: failed to close publisher: %v", err)
			}
		}
	}()

	// Initialize handler
	handler := api.NewHandler(store, publisher, ids)
	handler.Accrual.MaxRetries = cfg.Accrual.MaxRetries
	handler.Accrual.RetryDelay = cfg.Accrual.RetryDelay
	handler.DueBatchSize = cfg.Scheduler.BatchSize

	if cfg.Catalog != "" {
		if err := loadCatalog(context.Background(), handler, cfg.Catalog); err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	// Tier scheduler
	scheduler := api.NewTierScheduler(handler.Tiers)
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.BatchSize = cfg.Scheduler.BatchSize
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Start()

	// Kafka business event consumer. A consumer that gives up stops the
	// whole process so the supervisor restarts it from the last commit.
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerFailed := make(chan error, 1)
	var consumerWG sync.WaitGroup
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.EventsTopic != "" {
		consumer := ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.GroupID, handler.Accrual)
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			runConsumer(consumerCtx, consumer, consumerFailed)
		}()
	}

	// Create router
	router := api.NewRouter(handler, cfg.HTTP.AllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverFailed := make(chan error, 1)
	go func() {
		log.Printf("Server starting on http://localhost:%d (%s)", cfg.HTTP.Port, cfg.Database.Driver)
		log.Printf("API available at http://localhost:%d/api", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverFailed <- err
		}
	}()

	// Wait for interrupt signal or a fatal component failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var failure error
	select {
	case <-quit:
	case err := <-consumerFailed:
		failure = fmt.Errorf("event consumer stopped: %w", err)
	case err := <-serverFailed:
		failure = fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")

	stopConsumer()
	consumerWG.Wait()
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
	return failure
}

// eventConsumer is implemented by *ingest.Consumer.
type eventConsumer interface {
	Run(ctx context.Context) error
	Close() error
}

// runConsumer runs c until ctx ends. When c gives up on a message the error
// goes to failed; the message stays uncommitted.
func runConsumer(ctx context.Context, c eventConsumer, failed chan<- error) {
	defer c.Close()
	if err := c.Run(ctx); err != nil {
		log.Printf("[Consumer] stopped on error: %v", err)
		select {
		case failed <- err:
		default:
		}
	}
}

// buildPublishers always logs domain events; Kafka receives every event and
// RabbitMQ the ones that turn into customer notifications.
func buildPublishers(cfg *config.Config) (core.Publisher, []io.Closer) {
	publishers := notify.Multi{notify.NewLogPublisher(log.Default())}
	var closers []io.Closer

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.OutboxTopic != "" {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OutboxTopic)
		publishers = append(publishers, kp)
		closers = append(closers, kp)
		log.Printf("[Publisher] domain events to kafka topic %s", cfg.Kafka.OutboxTopic)
	}

	if cfg.RabbitMQ.URL != "" {
		rp, err := notify.DialRabbit(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			log.Printf("Warning: notifications disabled: %v", err)
		} else {
			publishers = append(publishers, notify.Only(rp,
				core.EventTierUpgraded,
				core.EventTierDowngraded,
				core.EventTierEnteredGrace,
				core.EventPointsExpired,
			))
			closers = append(closers, rp)
			log.Printf("[Publisher] notifications to rabbitmq queue %s", cfg.RabbitMQ.Queue)
		}
	}
	return publishers, closers
}

func loadCatalog(ctx context.Context, h *api.Handler, path string) error {
	c, err := h.Catalog.LoadFile(path)
	if err != nil {
		return err
	}
	if err := h.Catalog.Apply(ctx, c, h.Store, h.Store, h.Store); err != nil {
		return err
	}
	log.Printf("Catalog %s loaded: %d programs, %d rules, %d tier policies",
		path, len(c.Programs), len(c.Rules), len(c.TierPolicies))
	return nil
}
