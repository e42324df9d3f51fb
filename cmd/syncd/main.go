package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"doubleu/internal/config"
	"doubleu/internal/connectors"
	"doubleu/internal/database"
	"doubleu/internal/infrastructure/crypto"
	"doubleu/internal/models"
	"doubleu/internal/providers"
	"doubleu/internal/scheduler"
	"doubleu/internal/shared/telemetry"
	"doubleu/internal/sync"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize telemetry (if enabled)
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  os.Getenv("ENVIRONMENT"),
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Printf("Telemetry shutdown error: %v", err)
			}
		}()
	}

	// Connect to database
	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	log.Println("Connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return err
	}

	// Initialize repositories
	itemRepo := database.NewItemRepository(db, encryptor)
	connectionRepo := database.NewConnectionRepository(db, encryptor)
	bankRepo := database.NewBankRepository(db)
	sink := database.NewSyncSink(db)

	// Initialize bank connectors
	bankRegistry := buildBankRegistry(cfg)

	// Initialize data providers
	providerRegistry := providers.NewRegistry()
	providerRegistry.Register("plaid_us", providers.NewPlaidProvider(providers.PlaidConfig{
		ClientID: cfg.Plaid.ClientID,
		Secret:   cfg.Plaid.Secret,
		BaseURL:  cfg.Plaid.USBaseURL,
		Region:   "us",
	}))
	providerRegistry.Register("plaid_eu", providers.NewPlaidProvider(providers.PlaidConfig{
		ClientID: cfg.Plaid.ClientID,
		Secret:   cfg.Plaid.Secret,
		BaseURL:  cfg.Plaid.EUBaseURL,
		Region:   "eu",
	}))
	providerRegistry.Register("mono", providers.NewMonoProvider(providers.MonoConfig{
		SecretKey: cfg.Mono.SecretKey,
		BaseURL:   cfg.Mono.BaseURL,
	}))
	providerRegistry.Register("doubleu", providers.NewDoubleuProvider(bankRegistry, connectionRepo, bankRepo))

	importer := sync.NewImporter(providerRegistry, sink)

	// Initialize scheduler (if enabled)
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		log.Println("Initializing scheduler...")
		sched, err = scheduler.NewScheduler(scheduler.SchedulerConfig{
			ScheduleTimes: cfg.Scheduler.ScheduleTimes,
			WorkerCount:   cfg.Scheduler.WorkerCount,
			JobDelay:      cfg.Scheduler.JobDelay,
			QueueSize:     cfg.Scheduler.QueueSize,
			RunOnStartup:  cfg.Scheduler.RunOnStartup,
			JobProvider: func(ctx context.Context) ([]scheduler.Job, error) {
				items, err := itemRepo.ListSyncable(ctx)
				if err != nil {
					return nil, err
				}
				jobs := make([]scheduler.Job, 0, len(items))
				for _, item := range items {
					jobs = append(jobs, sync.NewSyncer(item, importer))
				}
				return jobs, nil
			},
		})
		if err != nil {
			return err
		}

		sched.Start()
		log.Printf("Scheduler started with times: %v", cfg.Scheduler.ScheduleTimes)
	} else {
		log.Println("Scheduler is disabled")
	}

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	if sched != nil {
		sched.Shutdown(30 * time.Second)
	}

	log.Println("Stopped")
	return nil
}

// buildBankRegistry wires every dedicated bank connector plus the generic
// fallback for catalog banks without one. A connector whose cipher material
// is misconfigured degrades to the fallback instead of crashing the daemon.
func buildBankRegistry(cfg *config.Config) *connectors.Registry {
	registry := connectors.NewRegistry()
	registry.SetFallback(func(p *models.BankProvider) connectors.Connector {
		return connectors.NewGenericConnector(p)
	})

	registry.Register("zenith", func(p *models.BankProvider) connectors.Connector {
		c, err := connectors.NewZenithConnector(p, connectors.Config{
			EncryptionKey: cfg.Banks.Zenith.EncryptionKey,
			EncryptionIV:  cfg.Banks.Zenith.EncryptionIV,
		})
		if err != nil {
			log.Printf("Zenith connector misconfigured: %v", err)
			return connectors.NewGenericConnector(p)
		}
		return c
	})
	registry.Register("providus", func(p *models.BankProvider) connectors.Connector {
		c, err := connectors.NewProvidusConnector(p, connectors.Config{
			EncryptionKey: cfg.Banks.Providus.EncryptionKey,
			EncryptionIV:  cfg.Banks.Providus.EncryptionIV,
		})
		if err != nil {
			log.Printf("Providus connector misconfigured: %v", err)
			return connectors.NewGenericConnector(p)
		}
		return c
	})
	registry.Register("piggyvest", func(p *models.BankProvider) connectors.Connector {
		return connectors.NewPiggyvestConnector(p, connectors.Config{
			EncryptionKey: cfg.Banks.Piggyvest.EncryptionKey,
		})
	})

	return registry
}
