package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conciergelab/concierge/internal/tool"
)

const (
	toolIDPrefix = "tool:"
	factIDPrefix = "fact:"
)

// Index is the semantic layer over the vector store: it embeds tool
// descriptors and remembered facts and answers similarity queries for the
// tool-selection pipeline.
//
// Indexing runs in the background at startup. Queries that arrive before the
// first index pass completes wait on the ready barrier for a bounded time
// and then degrade to an empty result instead of blocking a request.
type Index struct {
	embedder *Embedder
	store    Backend

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	lastErr error
}

// NewIndex creates an Index over the given embedder and store.
func NewIndex(embedder *Embedder, store Backend) *Index {
	return &Index{
		embedder: embedder,
		store:    store,
		ready:    make(chan struct{}),
	}
}

// toolText is the document embedded for a tool: name plus description, the
// same surface the classifier sees.
func toolText(d tool.Descriptor) string {
	if d.Description == "" {
		return d.Name
	}
	return d.Name + ": " + d.Description
}

// IndexTools embeds and stores every descriptor, delete-then-upsert so a
// changed description never leaves a stale vector behind. Per-tool embedding
// failures are logged and skipped; the index stays usable with the rest.
// The ready barrier opens when the pass finishes, successful or not.
func (ix *Index) IndexTools(ctx context.Context, descs []tool.Descriptor) {
	defer ix.readyOnce.Do(func() { close(ix.ready) })

	indexed, failed := 0, 0
	for _, d := range descs {
		id := toolIDPrefix + d.Name
		vec, err := ix.embedder.Embed(ctx, toolText(d))
		if err != nil {
			failed++
			ix.setErr(err)
			log.Printf("[Memory] Embed failed for tool %q: %v", d.Name, err)
			continue
		}
		_ = ix.store.Delete(ctx, id)
		if err := ix.store.Upsert(ctx, Entry{
			ID:     id,
			Text:   toolText(d),
			Vector: vec,
			Meta:   map[string]string{"kind": "tool", "server": d.Server},
		}); err != nil {
			failed++
			ix.setErr(err)
			log.Printf("[Memory] Upsert failed for tool %q: %v", d.Name, err)
			continue
		}
		indexed++
	}
	log.Printf("[Memory] Tool index built: %d indexed, %d failed", indexed, failed)
}

// RememberFact embeds and stores a free-text fact, returning its ID.
func (ix *Index) RememberFact(ctx context.Context, text string) (string, error) {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return "", err
	}
	id := factIDPrefix + uuid.NewString()
	if err := ix.store.Upsert(ctx, Entry{
		ID:     id,
		Text:   text,
		Vector: vec,
		Meta:   map[string]string{"kind": "fact"},
	}); err != nil {
		return "", err
	}
	return id, nil
}

// ToolHit is a semantic match against the tool index.
type ToolHit struct {
	Name  string
	Score float64
}

// SearchTools returns up to topK tool names semantically similar to the
// query with score >= minScore. Degrades to nil when the index is not ready
// within wait or the query cannot be embedded.
func (ix *Index) SearchTools(ctx context.Context, query string, topK int, minScore float64, wait time.Duration) []ToolHit {
	if !ix.WaitReady(wait) {
		log.Printf("[Memory] Index not ready within %s, skipping semantic search", wait)
		return nil
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[Memory] Query embed failed: %v", err)
		return nil
	}
	matches, err := ix.store.Search(ctx, vec, topK, minScore)
	if err != nil {
		log.Printf("[Memory] Search failed: %v", err)
		return nil
	}
	var hits []ToolHit
	for _, m := range matches {
		if !strings.HasPrefix(m.ID, toolIDPrefix) {
			continue
		}
		hits = append(hits, ToolHit{Name: strings.TrimPrefix(m.ID, toolIDPrefix), Score: m.Score})
	}
	return hits
}

// SearchFacts returns stored facts similar to the query.
func (ix *Index) SearchFacts(ctx context.Context, query string, topK int, minScore float64) ([]Match, error) {
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	// Over-fetch so tool entries interleaved in the ranking do not crowd
	// out facts, then filter down to topK.
	matches, err := ix.store.Search(ctx, vec, ix.store.Count(), minScore)
	if err != nil {
		return nil, err
	}
	var facts []Match
	for _, m := range matches {
		if strings.HasPrefix(m.ID, factIDPrefix) {
			facts = append(facts, m)
			if len(facts) == topK {
				break
			}
		}
	}
	return facts, nil
}

// WaitReady blocks until the first index pass completes or wait elapses.
func (ix *Index) WaitReady(wait time.Duration) bool {
	select {
	case <-ix.ready:
		return true
	case <-time.After(wait):
		return false
	}
}

// Ready reports whether the first index pass has completed.
func (ix *Index) Ready() bool {
	select {
	case <-ix.ready:
		return true
	default:
		return false
	}
}

// Count returns the number of stored entries.
func (ix *Index) Count() int { return ix.store.Count() }

// LastError returns the most recent indexing error, if any.
func (ix *Index) LastError() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastErr
}

func (ix *Index) setErr(err error) {
	ix.mu.Lock()
	ix.lastErr = fmt.Errorf("memory: index: %w", err)
	ix.mu.Unlock()
}
