package selection

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

const maxIntentEntries = 10000

// AutoExec is a classifier suggestion to run a tool immediately, before the
// agent loop asks for it.
type AutoExec struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Classification is the classifier's routing decision for one query.
type Classification struct {
	TargetServers []string   `json:"target_servers"`
	Complexity    string     `json:"complexity,omitempty"`
	AutoExecute   []AutoExec `json:"auto_execute,omitempty"`
}

type intentEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Result    Classification `json:"result"`
	QueryHash string         `json:"query_hash"`
}

// IntentCache persists classifier decisions keyed by query hash in a JSON
// object file under an advisory lock, shared with any sibling process.
// Entries expire after ttl; the file is capped at maxIntentEntries with
// oldest-first eviction.
type IntentCache struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

// NewIntentCache creates a cache backed by path with the given entry TTL.
func NewIntentCache(path string, ttl time.Duration) *IntentCache {
	return &IntentCache{path: path, ttl: ttl, now: time.Now}
}

func (c *IntentCache) lock() (*flock.Flock, error) {
	fl := flock.New(c.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("selection: lock intent cache: %w", err)
	}
	return fl, nil
}

func (c *IntentCache) readAll() map[string]intentEntry {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return map[string]intentEntry{}
	}
	var entries map[string]intentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Printf("[IntentCache] Corrupt cache file %q, starting empty: %v", c.path, err)
		return map[string]intentEntry{}
	}
	return entries
}

func (c *IntentCache) writeAll(entries map[string]intentEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("selection: marshal intent cache: %w", err)
	}
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("selection: write intent cache: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("selection: write intent cache: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("selection: sync intent cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Get returns the cached classification for hash when present and unexpired.
func (c *IntentCache) Get(hash string) (Classification, bool) {
	fl, err := c.lock()
	if err != nil {
		return Classification{}, false
	}
	entries := c.readAll()
	fl.Unlock()

	e, ok := entries[hash]
	if !ok {
		return Classification{}, false
	}
	if c.now().Sub(e.Timestamp) > c.ttl {
		return Classification{}, false
	}
	return e.Result, true
}

// Put stores a classification under hash, evicting the oldest entries when
// the cap is exceeded. The full read-modify-write cycle runs under the lock.
func (c *IntentCache) Put(hash string, result Classification) error {
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("selection: intent cache dir: %w", err)
		}
	}
	fl, err := c.lock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	entries := c.readAll()
	now := c.now()

	// Drop expired entries opportunistically while we hold the lock.
	for k, e := range entries {
		if now.Sub(e.Timestamp) > c.ttl {
			delete(entries, k)
		}
	}

	entries[hash] = intentEntry{Timestamp: now, Result: result, QueryHash: hash}

	if len(entries) > maxIntentEntries {
		type aged struct {
			key string
			ts  time.Time
		}
		all := make([]aged, 0, len(entries))
		for k, e := range entries {
			all = append(all, aged{k, e.Timestamp})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
		for _, a := range all[:len(entries)-maxIntentEntries] {
			delete(entries, a.key)
		}
	}
	return c.writeAll(entries)
}

// Count returns the number of stored entries (health reporting).
func (c *IntentCache) Count() int {
	return len(c.readAll())
}
