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

	"github.com/emsassist/protocolguide/internal/adapters/cache"
	"github.com/emsassist/protocolguide/internal/adapters/database"
	"github.com/emsassist/protocolguide/internal/adapters/search"
	"github.com/emsassist/protocolguide/internal/api/handlers"
	"github.com/emsassist/protocolguide/internal/api/routes"
	"github.com/emsassist/protocolguide/internal/application/services"
	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/openai"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/postgres"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/redis"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/typesense"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/emsassist/protocolguide/internal/resilience"
	"github.com/emsassist/protocolguide/internal/validation"
	"github.com/emsassist/protocolguide/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, os.Getenv("APP_ENV"))

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	var shutdown func(context.Context) error
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err = observability.Setup(
			ctx,
			cfg.OTEL.ServiceName,
			cfg.OTEL.ServiceVersion,
			cfg.OTEL.Endpoint,
		)
		if err != nil {
			log.Printf("Warning: Failed to set up OpenTelemetry: %v", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Printf("Error shutting down OpenTelemetry: %v", err)
				}
			}()
			log.Println("OpenTelemetry initialized successfully")
		}
	}

	// Initialize metrics
	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Initialize database client
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL client: %v", err)
	}
	defer pgClient.Close()

	// Initialize Redis client; the system degrades gracefully without it
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		log.Printf("Warning: Failed to initialize Redis client: %v", err)
	} else {
		defer redisClient.Close()
	}

	// Initialize Typesense client
	typesenseClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		log.Printf("Warning: Failed to initialize Typesense client: %v", err)
	}

	// Initialize the embedding provider; searches degrade to lexical without it
	var embedder providers.EmbeddingProvider
	if cfg.OpenAI.APIKey == "" {
		log.Println("Warning: OPENAI_API_KEY is not set; vector search disabled")
	} else {
		openaiClient, err := openai.NewClient(&cfg.OpenAI)
		if err != nil {
			log.Printf("Warning: Failed to initialize embedding client: %v", err)
		} else {
			embedder = openaiClient
		}
	}

	// Initialize cache tiers: in-process fallback cache always, Redis when up
	memoryCache := cache.NewMemoryAdapter(cfg.Resilience.FallbackCacheSize, cfg.Resilience.FallbackCacheTTL)
	var redisCache providers.CacheProvider
	if redisClient != nil {
		redisCache = cache.NewRedisAdapter(redisClient)
	}

	// Initialize adapters
	baseProtocolAdapter := database.NewProtocolAdapter(pgClient)
	var protocolAdapter repositories.ProtocolRepository = baseProtocolAdapter
	if redisCache != nil {
		protocolAdapter = database.NewCachedProtocolAdapter(baseProtocolAdapter, redisCache)
	}

	formularyAdapter := database.NewFormularyAdapter(pgClient)
	impressionAdapter := database.NewImpressionAdapter(pgClient)
	telemetryAdapter := database.NewTelemetryAdapter(pgClient)

	var searchRepo repositories.ChunkSearchRepository
	if typesenseClient != nil {
		adapter := search.NewTypesenseAdapter(typesenseClient, embedder)
		if err := typesenseClient.InitSchema(context.Background()); err != nil {
			log.Printf("Warning: Failed to init Typesense schema: %v", err)
		}
		searchRepo = adapter
	}

	// Load the flat-file corpus, the last data tier before the safe default
	var corpus *search.FileCorpusAdapter
	fileCorpus, err := search.NewFileCorpusAdapter(cfg.Corpus.ProtocolFile)
	if err != nil {
		log.Printf("Warning: Failed to load protocol corpus: %v", err)
	} else {
		corpus = fileCorpus
	}

	// Initialize the resilience layer
	breakers := resilience.NewBreakerSet(cfg.Resilience, metrics)
	recoveryMgr := resilience.NewManager(cfg.Resilience, breakers, memoryCache, redisCache, metrics)

	var corpusTier resilience.Corpus
	if corpus != nil {
		corpusTier = corpus
	}
	resilientStore := resilience.NewStore(recoveryMgr, protocolAdapter, searchRepo, corpusTier)

	var corpusCheck resilience.CorpusChecker
	if corpus != nil {
		corpusCheck = corpus
	}
	healthChecker := resilience.NewHealthChecker(pgClient, breakers, memoryCache, corpusCheck)

	// Load normalizer dictionaries
	synonyms, err := services.LoadSynonyms(cfg.Corpus.SynonymsFile)
	if err != nil {
		log.Printf("Warning: Failed to load synonym table: %v", err)
	}
	dict, err := services.LoadMedicationDictionary(cfg.Corpus.BrandNamesFile)
	if err != nil {
		log.Printf("Warning: Failed to load medication dictionary: %v", err)
	}
	impressions, err := impressionAdapter.List(ctx)
	if err != nil {
		log.Printf("Warning: Failed to load provider impressions: %v", err)
	}

	// Initialize services
	normalizer := services.NewNormalizerService(synonyms, dict, impressions)
	go refreshImpressions(ctx, impressionAdapter, normalizer)
	resilientFormulary := resilience.NewFormulary(recoveryMgr, formularyAdapter)
	pipeline := validation.NewPipeline(resilientFormulary, cfg.Search.MinChunkLength, metrics)
	telemetryService := services.NewTelemetryService(telemetryAdapter)

	retrievalService := services.NewRetrievalService(
		normalizer,
		resilientStore,
		pipeline,
		telemetryService,
		protocolAdapter,
		cfg.Search,
		metrics,
	)

	// Initialize handlers
	protocolHandler := handlers.NewProtocolHandler(retrievalService, telemetryService)
	healthHandler := handlers.NewHealthHandler(healthChecker)

	// Set up router
	router := routes.NewRouter(protocolHandler, healthHandler, metrics)
	handler := router.SetupRoutes()

	// Create HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// refreshImpressions periodically re-reads the provider-impression table so
// the normalizer picks up new impressions, and recovers impression-to-code
// expansion after a failed load at startup
func refreshImpressions(ctx context.Context, repo repositories.ImpressionRepository, normalizer *services.NormalizerService) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			impressions, err := repo.List(ctx)
			if err != nil {
				log.Printf("Warning: Failed to refresh provider impressions: %v", err)
				continue
			}
			normalizer.SetImpressions(impressions)
		}
	}
}
