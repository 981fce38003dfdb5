package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
)

// FileCorpusAdapter is the last data tier before the safe default: a
// flat-file protocol corpus with an in-memory inverted index, lexical-only.
// It is built once at startup and never touches the network, so it keeps
// serving when both the store and the search index are down.
type FileCorpusAdapter struct {
	mu        sync.RWMutex
	path      string
	protocols map[string]*entities.Protocol // code → current version
	postings  map[string]map[string]float64 // token → chunk ID → term frequency
	docCount  int
	docFreq   map[string]int // token → number of chunks containing it
	chunks    map[string]*corpusChunk
}

type corpusChunk struct {
	chunk    *entities.ProtocolChunk
	protocol *entities.Protocol
	length   int
}

var tokenPattern = regexp.MustCompile(`[a-z0-9][a-z0-9\-']*`)

// NewFileCorpusAdapter loads the corpus file and builds the index
func NewFileCorpusAdapter(path string) (*FileCorpusAdapter, error) {
	a := &FileCorpusAdapter{path: path}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the corpus file and rebuilds the inverted index
func (a *FileCorpusAdapter) Reload() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return apperrors.NewExternalError("failed to read protocol corpus", err)
	}

	var loaded []*entities.Protocol
	if err := json.Unmarshal(data, &loaded); err != nil {
		return apperrors.NewInternalError("failed to parse protocol corpus", err)
	}

	protocols := make(map[string]*entities.Protocol)
	postings := make(map[string]map[string]float64)
	docFreq := make(map[string]int)
	chunks := make(map[string]*corpusChunk)
	docCount := 0

	for _, protocol := range loaded {
		if protocol.IsDeleted || !protocol.IsCurrent {
			continue
		}
		protocols[protocol.Code] = protocol

		for i := range protocol.Chunks {
			chunk := &protocol.Chunks[i]
			if chunk.ID == "" {
				chunk.ID = entities.ChunkID(protocol.Code, chunk.Seq)
			}
			if chunk.ContentHash == "" {
				chunk.ContentHash = entities.ComputeContentHash(chunk.Content)
			}
			chunk.ProtocolCode = protocol.Code

			tokens := tokenize(chunk.Content + " " + strings.Join(chunk.Keywords, " ") + " " + protocol.Name)
			if len(tokens) == 0 {
				continue
			}
			docCount++
			chunks[chunk.ID] = &corpusChunk{chunk: chunk, protocol: protocol, length: len(tokens)}

			seen := make(map[string]struct{})
			for _, tok := range tokens {
				if postings[tok] == nil {
					postings[tok] = make(map[string]float64)
				}
				postings[tok][chunk.ID]++
				if _, ok := seen[tok]; !ok {
					seen[tok] = struct{}{}
					docFreq[tok]++
				}
			}
		}
	}

	a.mu.Lock()
	a.protocols = protocols
	a.postings = postings
	a.docFreq = docFreq
	a.docCount = docCount
	a.chunks = chunks
	a.mu.Unlock()

	return nil
}

// GetByCode retrieves the current version of a protocol from the corpus
func (a *FileCorpusAdapter) GetByCode(_ context.Context, code string) (*entities.Protocol, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	protocol, ok := a.protocols[code]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("protocol %s not in corpus", code))
	}
	return protocol, nil
}

// SearchLexical scores chunks by TF-IDF over the query terms. Scores are
// normalized to [0,1] against the best hit so the retrieval engine can blend
// them the same way as index scores.
func (a *FileCorpusAdapter) SearchLexical(_ context.Context, query *entities.NormalizedQuery, limit int) ([]*entities.RankedChunk, error) {
	if limit <= 0 {
		limit = 10
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	terms := tokenize(query.Text)
	for _, code := range query.ExtractedCodes {
		terms = append(terms, strings.ToLower(code))
	}
	if len(terms) == 0 {
		return []*entities.RankedChunk{}, nil
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		docs, ok := a.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + float64(a.docCount)/float64(a.docFreq[term]))
		for chunkID, tf := range docs {
			length := float64(a.chunks[chunkID].length)
			scores[chunkID] += (tf / length) * idf
		}
	}

	if len(scores) == 0 {
		return []*entities.RankedChunk{}, nil
	}

	best := 0.0
	for _, s := range scores {
		if s > best {
			best = s
		}
	}

	results := make([]*entities.RankedChunk, 0, len(scores))
	for chunkID, score := range scores {
		entry := a.chunks[chunkID]
		results = append(results, &entities.RankedChunk{
			Chunk:        *entry.chunk,
			ProtocolName: entry.protocol.Name,
			LexicalScore: score / best,
			UsageCount:   entry.protocol.UsageCount,
		})
	}

	// Deterministic order: score desc, then protocol code asc, then seq asc
	sort.Slice(results, func(i, j int) bool {
		if results[i].LexicalScore != results[j].LexicalScore {
			return results[i].LexicalScore > results[j].LexicalScore
		}
		if results[i].Chunk.ProtocolCode != results[j].Chunk.ProtocolCode {
			return results[i].Chunk.ProtocolCode < results[j].Chunk.ProtocolCode
		}
		return results[i].Chunk.Seq < results[j].Chunk.Seq
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Protocols returns all current protocols in the corpus, for seeding and
// index rebuilds
func (a *FileCorpusAdapter) Protocols() []*entities.Protocol {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*entities.Protocol, 0, len(a.protocols))
	for _, p := range a.protocols {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Accessible reports whether the corpus file can still be read, for the
// health check
func (a *FileCorpusAdapter) Accessible() bool {
	_, err := os.Stat(a.path)
	return err == nil
}

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}
