// Command memfuse-ingest loads a text file into the episodic document
// corpus: it splits the file into paragraph-sized chunks, embeds each one,
// and upserts it under the file's basename as document_source. Re-running
// against the same file is a no-op, since UpsertChunk keys on
// (document_source, content_hash).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/embedding"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/internal/store/postgres"
	"github.com/scrypster/memfuse/internal/store/sqlite"
	"github.com/scrypster/memfuse/pkg/types"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	source := flag.String("source", "", "document_source label; defaults to the file's basename")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: memfuse-ingest [-source name] <path>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "memfuse-ingest: failed to load config: %v\n", err)
		os.Exit(1)
	}

	docSource := *source
	if docSource == "" {
		docSource = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memfuse-ingest: failed to read %s: %v\n", path, err)
		os.Exit(1)
	}

	backend, err := openStore(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memfuse-ingest: failed to open storage backend: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	embedder := embedding.NewOpenAIEmbedder(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDim)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	paragraphs := splitParagraphs(string(raw))
	inserted, skipped := 0, 0
	for _, p := range paragraphs {
		vec, err := embedder.Embed(ctx, p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memfuse-ingest: embed failed, skipping chunk: %v\n", err)
			continue
		}
		chunk := &types.Chunk{
			ChunkID:        uuid.New().String(),
			DocumentSource: docSource,
			Content:        p,
			Embedding:      vec,
			ContentHash:    types.ContentHash(p),
			CreatedAt:      time.Now(),
		}
		ok, err := backend.UpsertChunk(ctx, chunk)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memfuse-ingest: upsert failed: %v\n", err)
			os.Exit(1)
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}

	fmt.Printf("memfuse-ingest: %s: %d chunks inserted, %d already present\n", docSource, inserted, skipped)
}

// splitParagraphs breaks text on blank lines, trimming and dropping empties.
// Paragraphs, not lines or fixed windows, are the chunk boundary — the same
// coarse unit the Context Controller renders whole into a prompt.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Storage.StorageEngine {
	case "postgres":
		return postgres.New(postgres.Config{
			DSN:             cfg.Storage.DatabaseURL,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite data dir: %w", err)
		}
		return sqlite.New(cfg.Storage.DataPath + "/memfuse.db")
	default:
		return nil, fmt.Errorf("unsupported storage engine %q", cfg.Storage.StorageEngine)
	}
}
