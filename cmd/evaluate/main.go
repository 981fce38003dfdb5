package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/emsassist/protocolguide/internal/adapters/cache"
	"github.com/emsassist/protocolguide/internal/adapters/database"
	"github.com/emsassist/protocolguide/internal/adapters/search"
	"github.com/emsassist/protocolguide/internal/application/services"
	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/evaluation"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/openai"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/postgres"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/typesense"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/emsassist/protocolguide/internal/resilience"
	"github.com/emsassist/protocolguide/internal/validation"
	"github.com/emsassist/protocolguide/pkg/config"
)

func main() {
	var k int
	flag.IntVar(&k, "k", 5, "score the top k retrieved protocol codes")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, os.Getenv("APP_ENV"))

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pgClient.Close()

	tsClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		log.Fatalf("Failed to connect to Typesense: %v", err)
	}

	var embedder providers.EmbeddingProvider
	if cfg.OpenAI.APIKey != "" {
		openaiClient, err := openai.NewClient(&cfg.OpenAI)
		if err != nil {
			log.Printf("Warning: failed to initialize embedding client: %v", err)
		} else {
			embedder = openaiClient
		}
	}

	protocolRepo := database.NewProtocolAdapter(pgClient)
	formularyRepo := database.NewFormularyAdapter(pgClient)
	impressionRepo := database.NewImpressionAdapter(pgClient)
	searchRepo := search.NewTypesenseAdapter(tsClient, embedder)

	corpus, err := search.NewFileCorpusAdapter(cfg.Corpus.ProtocolFile)
	if err != nil {
		log.Printf("Warning: failed to load protocol corpus: %v", err)
	}

	memoryCache := cache.NewMemoryAdapter(cfg.Resilience.FallbackCacheSize, cfg.Resilience.FallbackCacheTTL)
	breakers := resilience.NewBreakerSet(cfg.Resilience, metrics)
	recoveryMgr := resilience.NewManager(cfg.Resilience, breakers, memoryCache, nil, metrics)

	var corpusTier resilience.Corpus
	if corpus != nil {
		corpusTier = corpus
	}
	store := resilience.NewStore(recoveryMgr, protocolRepo, searchRepo, corpusTier)

	synonyms, err := services.LoadSynonyms(cfg.Corpus.SynonymsFile)
	if err != nil {
		log.Printf("Warning: failed to load synonym table: %v", err)
	}
	dict, err := services.LoadMedicationDictionary(cfg.Corpus.BrandNamesFile)
	if err != nil {
		log.Printf("Warning: failed to load medication dictionary: %v", err)
	}
	impressions, err := impressionRepo.List(context.Background())
	if err != nil {
		log.Printf("Warning: failed to load provider impressions: %v", err)
	}

	normalizer := services.NewNormalizerService(synonyms, dict, impressions)
	pipeline := validation.NewPipeline(resilience.NewFormulary(recoveryMgr, formularyRepo), cfg.Search.MinChunkLength, metrics)

	retrieval := services.NewRetrievalService(
		normalizer,
		store,
		pipeline,
		nil,
		nil,
		cfg.Search,
		metrics,
	)

	queries, err := evaluation.LoadGoldenQueries(cfg.Corpus.GoldenQueries)
	if err != nil {
		log.Fatalf("Failed to load golden queries: %v", err)
	}

	runner := evaluation.NewRunner(retrieval, k)
	report := runner.Run(context.Background(), queries)

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}
