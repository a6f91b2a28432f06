package selection

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agext/levenshtein"
	"github.com/gofrs/flock"
)

const (
	maxFeedbackRecords = 10000
	// keepFraction of the newest records survives a cap trim.
	keepFraction = 0.8

	// decayHalfLife halves a record's weight every three days, so routing
	// follows current usage instead of history.
	decayHalfLife = 72 * time.Hour

	// fuzzyWeight scales the levenshtein similarity against the overlap and
	// coverage terms. Empirically tuned, not principled.
	fuzzyWeight = 2.0
)

// FeedbackRecord remembers which server satisfied a query.
type FeedbackRecord struct {
	Query     string    `json:"query"`
	Server    string    `json:"server"`
	Timestamp time.Time `json:"timestamp"`
	QueryHash string    `json:"query_hash"`
}

// ServerScore is a feedback-ranked server hint.
type ServerScore struct {
	Server string
	Score  float64
}

// FeedbackStore persists FeedbackRecords as a JSON array guarded by an
// advisory file lock, so multiple processes can share one file. Readers
// tolerate a corrupt or partial file by falling back to an empty record set.
type FeedbackStore struct {
	path string
	now  func() time.Time
}

// NewFeedbackStore creates a store backed by path. The file is created lazily
// on the first Record call.
func NewFeedbackStore(path string) *FeedbackStore {
	return &FeedbackStore{path: path, now: time.Now}
}

func (s *FeedbackStore) lock() (*flock.Flock, error) {
	fl := flock.New(s.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("selection: lock feedback file: %w", err)
	}
	return fl, nil
}

// readAll loads every record, tolerating a missing or corrupt file.
func (s *FeedbackStore) readAll() []FeedbackRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var records []FeedbackRecord
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("[Feedback] Corrupt feedback file %q, starting empty: %v", s.path, err)
		return nil
	}
	return records
}

// writeAll replaces the file contents and fsyncs before rename.
func (s *FeedbackStore) writeAll(records []FeedbackRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("selection: marshal feedback: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("selection: write feedback: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("selection: write feedback: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("selection: sync feedback: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Record appends a (query, server) observation under the file lock, trimming
// to the newest 80% when the cap is exceeded.
func (s *FeedbackStore) Record(normalizedQuery, server string) error {
	if normalizedQuery == "" || server == "" {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("selection: feedback dir: %w", err)
		}
	}
	fl, err := s.lock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	records := s.readAll()
	records = append(records, FeedbackRecord{
		Query:     normalizedQuery,
		Server:    server,
		Timestamp: s.now(),
		QueryHash: QueryHash(normalizedQuery, ""),
	})
	if len(records) > maxFeedbackRecords {
		keep := int(float64(maxFeedbackRecords) * keepFraction)
		records = records[len(records)-keep:]
	}
	return s.writeAll(records)
}

// TopServers scores every record against the normalized query and returns up
// to k servers ranked by aggregate score. The result is a routing hint for
// the classifier, never a final answer.
func (s *FeedbackStore) TopServers(normalizedQuery string, k int) []ServerScore {
	fl, err := s.lock()
	if err != nil {
		log.Printf("[Feedback] Lock failed, skipping hints: %v", err)
		return nil
	}
	records := s.readAll()
	fl.Unlock()

	if len(records) == 0 || k <= 0 {
		return nil
	}

	queryKeywords := Keywords(normalizedQuery)
	now := s.now()
	totals := make(map[string]float64)
	for _, r := range records {
		score := scoreRecord(normalizedQuery, queryKeywords, r, now)
		if score > 0 {
			totals[r.Server] += score
		}
	}

	ranked := make([]ServerScore, 0, len(totals))
	for server, score := range totals {
		ranked = append(ranked, ServerScore{Server: server, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// scoreRecord combines keyword overlap, coverage of the stored query and a
// weighted fuzzy ratio, decayed exponentially by age.
func scoreRecord(query string, queryKeywords []string, r FeedbackRecord, now time.Time) float64 {
	recordKeywords := Keywords(r.Query)
	if len(recordKeywords) == 0 {
		return 0
	}

	inRecord := make(map[string]bool, len(recordKeywords))
	for _, w := range recordKeywords {
		inRecord[w] = true
	}
	overlap := 0
	for _, w := range queryKeywords {
		if inRecord[w] {
			overlap++
		}
	}

	coverage := float64(overlap) / float64(len(recordKeywords))
	fuzzy := levenshtein.Similarity(query, r.Query, nil)

	raw := float64(overlap) + coverage + fuzzy*fuzzyWeight
	if raw == 0 {
		return 0
	}

	age := now.Sub(r.Timestamp)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-age.Hours() / decayHalfLife.Hours())
	return raw * decay
}

// Count returns the number of stored records (health reporting).
func (s *FeedbackStore) Count() int {
	return len(s.readAll())
}
