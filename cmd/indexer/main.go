package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emsassist/protocolguide/internal/adapters/cache"
	"github.com/emsassist/protocolguide/internal/adapters/database"
	"github.com/emsassist/protocolguide/internal/adapters/search"
	"github.com/emsassist/protocolguide/internal/application/services"
	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/openai"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/postgres"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/redis"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/typesense"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/emsassist/protocolguide/pkg/config"
)

func main() {
	var reset bool
	var intervalFlag string
	flag.BoolVar(&reset, "reset", false, "delete the existing Typesense collection before reindexing")
	flag.StringVar(&intervalFlag, "interval", "", "repeat interval for reindexing (e.g. 6h, 30m)")
	flag.Parse()

	intervalValue := strings.TrimSpace(intervalFlag)
	if intervalValue == "" {
		intervalValue = strings.TrimSpace(os.Getenv("REINDEX_INTERVAL"))
	}

	var interval time.Duration
	var err error
	if intervalValue != "" {
		interval, err = time.ParseDuration(intervalValue)
		if err != nil {
			log.Fatalf("Invalid interval %q: %v", intervalValue, err)
		}
		if interval <= 0 {
			log.Fatalf("Interval must be greater than zero")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		if err := indexOnce(ctx, reset); err != nil {
			log.Printf("Reindex failed: %v", err)
		}

		if interval <= 0 {
			break
		}

		reset = false
		log.Printf("Reindex complete. Next run in %s.", interval)

		select {
		case <-ctx.Done():
			log.Println("Indexer shutting down")
			return
		case <-time.After(interval):
		}
	}
}

func indexOnce(ctx context.Context, reset bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	observability.InitLogger(cfg.OTEL.ServiceName, os.Getenv("APP_ENV"))

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		return err
	}
	defer pgClient.Close()

	tsClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		return err
	}

	if reset || os.Getenv("RESET_TYPESENSE") == "true" {
		log.Println("Deleting protocol chunks collection before reindex")
		if err := tsClient.DropCollection(ctx); err != nil {
			log.Printf("Warning: failed to delete collection: %v", err)
		}
	}

	if err := tsClient.InitSchema(ctx); err != nil {
		return err
	}

	var embedder providers.EmbeddingProvider
	if cfg.OpenAI.APIKey != "" {
		openaiClient, err := openai.NewClient(&cfg.OpenAI)
		if err != nil {
			log.Printf("Warning: failed to initialize embedding client: %v", err)
		} else {
			embedder = openaiClient
		}
	} else {
		log.Println("Warning: OPENAI_API_KEY is not set; skipping embedding backfill")
	}

	var protocolRepo repositories.ProtocolRepository = database.NewProtocolAdapter(pgClient)
	searchRepo := search.NewTypesenseAdapter(tsClient, embedder)

	// Superseded protocols must leave the read-through cache as well
	var invalidation *services.CacheInvalidationService
	if redisClient, err := redis.NewClient(&cfg.Redis); err != nil {
		log.Printf("Warning: failed to initialize Redis client: %v", err)
	} else {
		defer redisClient.Close()
		invalidation = services.NewCacheInvalidationService(cache.NewRedisAdapter(redisClient))
		defer invalidation.Close()
	}

	corpus, err := search.NewFileCorpusAdapter(cfg.Corpus.ProtocolFile)
	if err != nil {
		return err
	}

	ingestion := services.NewIngestionService(protocolRepo, searchRepo, invalidation)

	log.Printf("Ingesting %d protocols...", len(corpus.Protocols()))
	ingested, err := ingestion.SeedFromCorpus(ctx, corpus)
	if err != nil {
		log.Printf("Warning: %d protocols ingested, last error: %v", ingested, err)
	} else {
		log.Printf("Ingested %d protocols", ingested)
	}

	if embedder != nil {
		backfill := services.NewEmbeddingBackfillService(protocolRepo, searchRepo, embedder, 50)
		updated, err := backfill.Run(ctx)
		if err != nil {
			log.Printf("Warning: embedding backfill stopped after %d chunks: %v", updated, err)
		} else {
			log.Printf("Embedded %d chunks", updated)
		}
	}

	log.Println("Indexing complete.")
	return nil
}
