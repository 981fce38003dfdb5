package typesense

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/emsassist/protocolguide/pkg/config"
	"github.com/emsassist/protocolguide/pkg/retry"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
)

const (
	// ChunksCollection holds one document per protocol chunk, with an
	// optional embedding for vector search.
	ChunksCollection = "protocol_chunks"

	// EmbeddingDims must match the embedding model output size.
	EmbeddingDims = 1536
)

// Client represents a Typesense client
type Client struct {
	client *typesense.Client
}

// NewClient creates a new Typesense client with exponential backoff retry
func NewClient(cfg *config.TypesenseConfig) (*Client, error) {
	client := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(5*time.Second),
	)

	// Test connection with retry
	retryConfig := retry.StartupConfig()
	err := retry.DoWithLog(
		context.Background(),
		retryConfig,
		"Typesense",
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := client.Health(ctx, 2*time.Second)
			return err
		},
		func(attempt int, err error, nextDelay time.Duration) {
			log.Printf("Typesense connection attempt %d failed: %v. Retrying in %v...", attempt, err, nextDelay)
		},
	)

	if err != nil {
		return nil, fmt.Errorf("failed to connect to Typesense after retries: %w", err)
	}

	log.Println("Successfully connected to Typesense")
	return &Client{client: client}, nil
}

// Client returns the underlying Typesense client
func (c *Client) Client() *typesense.Client {
	return c.client
}

// InitSchema ensures the protocol_chunks collection exists
func (c *Client) InitSchema(ctx context.Context) error {
	collections, err := c.client.Collections().Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve collections: %w", err)
	}

	for _, col := range collections {
		if col.Name == ChunksCollection {
			log.Println("Typesense collection 'protocol_chunks' already exists")
			return nil
		}
	}

	schema := &api.CollectionSchema{
		Name: ChunksCollection,
		Fields: []api.Field{
			{
				Name: "id",
				Type: "string",
			},
			{
				Name: "protocol_code",
				Type: "string",
				Facet: pointer.True(),
			},
			{
				Name: "protocol_name",
				Type: "string",
			},
			{
				Name:  "category",
				Type:  "string",
				Facet: pointer.True(),
			},
			{
				Name: "seq",
				Type: "int32",
			},
			{
				Name: "content",
				Type: "string",
			},
			{
				Name:     "keywords",
				Type:     "string[]",
				Optional: pointer.True(),
			},
			{
				Name: "is_current",
				Type: "bool",
			},
			{
				Name: "usage_count",
				Type: "int32",
			},
			{
				Name:     "embedding",
				Type:     "float[]",
				Optional: pointer.True(),
				NumDim:   pointer.Int(EmbeddingDims),
			},
		},
		DefaultSortingField: pointer.String("usage_count"),
	}

	_, err = c.client.Collections().Create(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	log.Println("Created Typesense collection 'protocol_chunks'")
	return nil
}

// DropCollection deletes the chunks collection. Used by the indexer's
// -reset flag before a full rebuild.
func (c *Client) DropCollection(ctx context.Context) error {
	_, err := c.client.Collection(ChunksCollection).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}
