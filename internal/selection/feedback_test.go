package selection

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FeedbackStore {
	t.Helper()
	return NewFeedbackStore(filepath.Join(t.TempDir(), "feedback.json"))
}

func TestFeedback_RecordAndRank(t *testing.T) {
	s := newTestStore(t)

	if err := s.Record("list files in downloads", "filesystem"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record("search the web for news", "websearch"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	ranked := s.TopServers("list files in downloads", 3)
	if len(ranked) == 0 {
		t.Fatal("expected at least one ranked server")
	}
	if ranked[0].Server != "filesystem" {
		t.Errorf("top server = %q, want filesystem", ranked[0].Server)
	}
}

func TestFeedback_RecordingRaisesRank(t *testing.T) {
	s := newTestStore(t)
	s.Record("check cpu usage", "system")
	s.Record("search cat pictures", "websearch")

	before := scoreFor(s.TopServers("check cpu usage", 5), "system")
	s.Record("check cpu usage", "system")
	after := scoreFor(s.TopServers("check cpu usage", 5), "system")

	if after <= before {
		t.Errorf("score after second record = %f, want > %f", after, before)
	}
}

func scoreFor(ranked []ServerScore, server string) float64 {
	for _, r := range ranked {
		if r.Server == server {
			return r.Score
		}
	}
	return 0
}

func TestFeedback_RecencyDecay(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	s.now = func() time.Time { return base.Add(-30 * 24 * time.Hour) }
	s.Record("list files", "stale-server")
	s.now = func() time.Time { return base }
	s.Record("list files", "fresh-server")

	ranked := s.TopServers("list files", 2)
	if len(ranked) != 2 {
		t.Fatalf("got %d servers, want 2", len(ranked))
	}
	if ranked[0].Server != "fresh-server" {
		t.Errorf("fresh record must outrank a month-old one, got %q first", ranked[0].Server)
	}
	if ranked[1].Score >= ranked[0].Score/100 {
		t.Errorf("30-day-old record decayed to %f, expected far below %f", ranked[1].Score, ranked[0].Score)
	}
}

func TestFeedback_CorruptFileFallsBackEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ranked := s.TopServers("anything", 3); ranked != nil {
		t.Errorf("corrupt file must yield no hints, got %v", ranked)
	}
	// A subsequent Record must recover the file.
	if err := s.Record("list files", "filesystem"); err != nil {
		t.Fatalf("Record after corruption: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
}

func TestFeedback_CapTrimsOldestRecords(t *testing.T) {
	s := newTestStore(t)

	// Seed a file right at the cap; the next Record must trim to 80%.
	records := make([]FeedbackRecord, maxFeedbackRecords)
	for i := range records {
		records[i] = FeedbackRecord{Query: "q", Server: "s", Timestamp: time.Now()}
	}
	data, _ := json.Marshal(records)
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Record("newest query", "filesystem"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got := s.Count()
	want := int(float64(maxFeedbackRecords) * keepFraction)
	if got != want {
		t.Errorf("Count after trim = %d, want %d", got, want)
	}

	// The newest record must survive the trim.
	all := s.readAll()
	if all[len(all)-1].Query != "newest query" {
		t.Error("trim must keep the most recent records")
	}
}
