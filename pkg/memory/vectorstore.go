// Package memory is the knowledge-base search backing C6's
// search_knowledge_base tool (spec.md §4.6): an embedding index over a
// pre-loaded corpus, optionally filtered by category.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/sipeed/wadesk/pkg/logger"
)

// Result is a single knowledge-base search hit.
type Result struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Score     float32 `json:"score"`
	Category  string  `json:"category,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// VectorStore wraps a single chromem-go collection of knowledge-base
// chunks. The teacher's conversations collection and its
// specialist-scoping have no analog here — the corpus this tool
// searches is a pre-indexed catalog/FAQ, not a log of past chats.
type VectorStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewVectorStore opens (or creates) a persistent vector DB rooted at
// dataDir/knowledge — dataDir is the store's own data directory, kept
// alongside the sqlite file rather than under a "workspace" the way
// the teacher's personal-assistant mode did.
func NewVectorStore(dataDir string, embeddingFn chromem.EmbeddingFunc) (*VectorStore, error) {
	dbPath := filepath.Join(dataDir, "knowledge")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("create knowledge dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}

	collection, err := db.GetOrCreateCollection("knowledge", nil, embeddingFn)
	if err != nil {
		return nil, fmt.Errorf("create knowledge collection: %w", err)
	}

	logger.InfoCF("memory", "knowledge base opened", map[string]interface{}{
		"path": dbPath, "count": collection.Count(),
	})

	return &VectorStore{db: db, collection: collection}, nil
}

// Index adds or replaces a knowledge-base chunk under docID (empty
// generates one), tagged with category for later filtered search.
func (vs *VectorStore) Index(ctx context.Context, docID, content, category string) error {
	if docID == "" {
		docID = fmt.Sprintf("k:%d", time.Now().UnixNano())
	}
	doc := chromem.Document{
		ID:      docID,
		Content: content,
		Metadata: map[string]string{
			"category":   category,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := vs.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index knowledge chunk: %w", err)
	}
	return nil
}

func (vs *VectorStore) Delete(ctx context.Context, docID string) error {
	if err := vs.collection.Delete(ctx, nil, nil, docID); err != nil {
		return fmt.Errorf("delete knowledge chunk %s: %w", docID, err)
	}
	return nil
}

// Search runs an embedding query over the corpus, optionally
// restricted to category. An empty corpus returns no results rather
// than erroring, since a freshly provisioned deployment has not
// ingested anything yet.
func (vs *VectorStore) Search(ctx context.Context, query string, limit int, category string) ([]Result, error) {
	if vs.collection.Count() == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	if limit > vs.collection.Count() {
		limit = vs.collection.Count()
	}

	var where map[string]string
	if category != "" {
		where = map[string]string{"category": category}
	}

	results, err := vs.collection.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search knowledge base: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			ID:        r.ID,
			Content:   r.Content,
			Score:     r.Similarity,
			Category:  r.Metadata["category"],
			UpdatedAt: r.Metadata["updated_at"],
		})
	}
	return out, nil
}
