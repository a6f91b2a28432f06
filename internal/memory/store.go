package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Entry is one embedded document in the vector store.
type Entry struct {
	ID     string
	Text   string
	Vector []float32
	Meta   map[string]string
}

// Match is a search hit with its cosine similarity score.
type Match struct {
	Entry
	Score float64
}

// Backend is a vector store. Implementations must be safe for concurrent
// use; the in-process store below is the default, and the interface leaves
// room for an external store later.
type Backend interface {
	Upsert(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]Match, error)
	Count() int
}

// InMemoryStore is a mutex-guarded cosine-similarity store. Search is a
// linear scan, which is fine at tool-index scale (hundreds of entries).
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	dim     int // dimension of the first inserted vector; all others must match
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]Entry)}
}

// Upsert inserts or replaces an entry. The first vector fixes the store
// dimension; later vectors of a different length are rejected, which catches
// an embedding-model swap without a reindex.
func (s *InMemoryStore) Upsert(_ context.Context, e Entry) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("memory: upsert %q: empty vector", e.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim == 0 {
		s.dim = len(e.Vector)
	} else if len(e.Vector) != s.dim {
		return fmt.Errorf("memory: upsert %q: dimension %d does not match store dimension %d", e.ID, len(e.Vector), s.dim)
	}
	s.entries[e.ID] = e
	return nil
}

// Delete removes an entry. Deleting a missing ID is not an error.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Search returns up to topK entries with cosine similarity >= minScore,
// ordered best first.
func (s *InMemoryStore) Search(_ context.Context, vector []float32, topK int, minScore float64) ([]Match, error) {
	if len(vector) == 0 || topK <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, e := range s.entries {
		score := Cosine(vector, e.Vector)
		if score >= minScore {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of stored entries.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Cosine computes the cosine similarity of two vectors. Mismatched lengths
// or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
