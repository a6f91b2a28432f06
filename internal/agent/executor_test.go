package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conciergelab/concierge/internal/llm"
	"github.com/conciergelab/concierge/internal/mcp"
	"github.com/conciergelab/concierge/internal/tool"
	"github.com/conciergelab/concierge/internal/toolcache"
)

// stubTransport records calls and returns canned outputs with an optional
// per-call delay.
type stubTransport struct {
	mu       sync.Mutex
	calls    []string
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	outputs  map[string]string
	errs     map[string]error
}

func (s *stubTransport) CallTool(_ context.Context, toolName string, args map[string]any) (string, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxSeen.Load()
		if cur <= max || s.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.calls = append(s.calls, toolName)
	s.mu.Unlock()

	if err, ok := s.errs[toolName]; ok {
		return "", err
	}
	if out, ok := s.outputs[toolName]; ok {
		return out, nil
	}
	return fmt.Sprintf("result of %s", toolName), nil
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func executorRegistry() *tool.Registry {
	reg := tool.NewRegistry()
	for _, d := range []tool.Descriptor{
		{Name: "read_file", Server: "files", Cacheable: true},
		{Name: "list_dir", Server: "files", Cacheable: true},
		{Name: "write_file", Server: "files", SideEffect: true},
		{Name: "web_search", Server: "web"}, // uncacheable, no side effect
	} {
		reg.Register(d)
	}
	return reg
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// ── level construction ─────────────────────────────────────────────────────

func TestBuildLevels_ReadsScheduleAheadOfWrite(t *testing.T) {
	reg := executorRegistry()
	get := func(name string) tool.Descriptor { d, _ := reg.Get(name); return d }

	// Reads depend on nothing: both share level 0 even though one follows
	// the write in the batch. The write waits for every read.
	calls := []call{
		{pos: 0, desc: get("read_file"), path: "a"},
		{pos: 1, desc: get("write_file"), path: "b"},
		{pos: 2, desc: get("read_file"), path: "c"},
	}
	levels := buildLevels(calls)
	if len(levels) != 2 {
		t.Fatalf("got %d levels, want 2 (reads | write)", len(levels))
	}
	if len(levels[0]) != 2 || levels[0][0].pos != 0 || levels[0][1].pos != 2 {
		t.Errorf("level 0 = %v, want both reads", levels[0])
	}
	if len(levels[1]) != 1 || levels[1][0].pos != 1 {
		t.Errorf("write must run alone after the reads, level 1 = %v", levels[1])
	}
}

func TestBuildLevels_WritesKeepBatchOrder(t *testing.T) {
	reg := executorRegistry()
	get := func(name string) tool.Descriptor { d, _ := reg.Get(name); return d }

	calls := []call{
		{pos: 0, desc: get("write_file"), path: "a"},
		{pos: 1, desc: get("write_file"), path: "b"},
	}
	levels := buildLevels(calls)
	if len(levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(levels))
	}
	if levels[0][0].pos != 0 || levels[1][0].pos != 1 {
		t.Errorf("writes out of order: %v then %v", levels[0], levels[1])
	}
}

func TestBuildLevels_ReadsShareALevel(t *testing.T) {
	reg := executorRegistry()
	get := func(name string) tool.Descriptor { d, _ := reg.Get(name); return d }

	calls := []call{
		{pos: 0, desc: get("read_file"), path: "a"},
		{pos: 1, desc: get("read_file"), path: "b"},
		{pos: 2, desc: get("read_file"), path: "c"},
	}
	levels := buildLevels(calls)
	if len(levels) != 1 || len(levels[0]) != 3 {
		t.Errorf("independent reads must share one level, got %d levels", len(levels))
	}
}

func TestBuildLevels_PathConflictSplitsReads(t *testing.T) {
	reg := executorRegistry()
	get := func(name string) tool.Descriptor { d, _ := reg.Get(name); return d }

	calls := []call{
		{pos: 0, desc: get("read_file"), path: "a"},
		{pos: 1, desc: get("read_file"), path: "a"},
	}
	levels := buildLevels(calls)
	if len(levels) != 2 {
		t.Errorf("same-path reads must not share a level, got %d levels", len(levels))
	}
}

// ── execution ──────────────────────────────────────────────────────────────

func TestExecute_ResultsPreserveInputOrder(t *testing.T) {
	tr := &stubTransport{delay: 10 * time.Millisecond}
	e := NewExecutor(executorRegistry(), tr, nil, 5)

	calls := []llm.ToolCall{
		toolCall("c1", "read_file", `{"path":"a"}`),
		toolCall("c2", "read_file", `{"path":"b"}`),
		toolCall("c3", "read_file", `{"path":"c"}`),
	}
	start := time.Now()
	results := e.Execute(context.Background(), calls)
	elapsed := time.Since(start)

	for i, want := range []string{"c1", "c2", "c3"} {
		if results[i].ID != want {
			t.Errorf("results[%d].ID = %q, want %q", i, results[i].ID, want)
		}
		if !results[i].Ok {
			t.Errorf("results[%d] failed: %s", i, results[i].ErrMsg)
		}
	}
	if max := tr.maxSeen.Load(); max < 2 {
		t.Errorf("max concurrent dispatches = %d, want parallel execution", max)
	}
	// Parallel: total well below 3x the per-call delay.
	if elapsed > 25*time.Millisecond {
		t.Errorf("elapsed = %s, reads did not run concurrently", elapsed)
	}
}

func TestExecute_WriteDispatchesAfterAllReads(t *testing.T) {
	tr := &stubTransport{delay: 5 * time.Millisecond}
	e := NewExecutor(executorRegistry(), tr, nil, 5)

	results := e.Execute(context.Background(), []llm.ToolCall{
		toolCall("c1", "read_file", `{"path":"a"}`),
		toolCall("c2", "write_file", `{"path":"b"}`),
		toolCall("c3", "read_file", `{"path":"c"}`),
	})
	for i := range results {
		if !results[i].Ok {
			t.Fatalf("results[%d] failed: %s", i, results[i].ErrMsg)
		}
	}

	tr.mu.Lock()
	order := append([]string(nil), tr.calls...)
	tr.mu.Unlock()
	if len(order) != 3 || order[2] != "write_file" {
		t.Fatalf("dispatch order = %v, write must go last", order)
	}
	if max := tr.maxSeen.Load(); max < 2 {
		t.Errorf("max concurrent dispatches = %d, the two reads must overlap", max)
	}
	// Results still come back in input order, not dispatch order.
	for i, want := range []string{"c1", "c2", "c3"} {
		if results[i].ID != want {
			t.Errorf("results[%d].ID = %q, want %q", i, results[i].ID, want)
		}
	}
}

func TestExecute_SideEffectRunsAlone(t *testing.T) {
	tr := &stubTransport{delay: 5 * time.Millisecond}
	e := NewExecutor(executorRegistry(), tr, nil, 5)

	calls := []llm.ToolCall{
		toolCall("c1", "read_file", `{"path":"a"}`),
		toolCall("c2", "write_file", `{"path":"b"}`),
		toolCall("c3", "read_file", `{"path":"c"}`),
	}
	results := e.Execute(context.Background(), calls)
	for i := range results {
		if !results[i].Ok {
			t.Fatalf("results[%d] failed: %s", i, results[i].ErrMsg)
		}
	}
	if tr.callCount() != 3 {
		t.Errorf("transport calls = %d, want 3", tr.callCount())
	}
}

func TestExecute_UnknownToolAndBadArgs(t *testing.T) {
	tr := &stubTransport{}
	e := NewExecutor(executorRegistry(), tr, nil, 5)

	results := e.Execute(context.Background(), []llm.ToolCall{
		toolCall("c1", "no_such_tool", `{}`),
		toolCall("c2", "read_file", `{broken`),
	})
	if results[0].ErrKind != "ToolNotFound" {
		t.Errorf("unknown tool kind = %q", results[0].ErrKind)
	}
	if results[1].ErrKind != "ProtocolError" {
		t.Errorf("bad args kind = %q", results[1].ErrKind)
	}
	if tr.callCount() != 0 {
		t.Error("invalid calls must not reach the transport")
	}
}

func TestExecute_FailureDoesNotCancelPeers(t *testing.T) {
	tr := &stubTransport{errs: map[string]error{"list_dir": errors.New("boom")}}
	e := NewExecutor(executorRegistry(), tr, nil, 5)

	results := e.Execute(context.Background(), []llm.ToolCall{
		toolCall("c1", "read_file", `{"path":"a"}`),
		toolCall("c2", "list_dir", `{"path":"b"}`),
	})
	if !results[0].Ok {
		t.Error("peer of a failing call must still succeed")
	}
	if results[1].Ok || results[1].ErrKind != "ToolExecutionFailed" {
		t.Errorf("failing call = %+v", results[1])
	}
}

func TestExecute_CancelledBeforeDispatch(t *testing.T) {
	tr := &stubTransport{}
	e := NewExecutor(executorRegistry(), tr, nil, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := e.Execute(ctx, []llm.ToolCall{toolCall("c1", "read_file", `{"path":"a"}`)})
	if results[0].Ok || results[0].ErrKind != "Cancelled" {
		t.Errorf("cancelled dispatch = %+v, want kind Cancelled", results[0])
	}
	if tr.callCount() != 0 {
		t.Error("cancelled calls must not reach the transport")
	}
}

func TestExecute_CacheHitSkipsTransport(t *testing.T) {
	tr := &stubTransport{outputs: map[string]string{"read_file": "cached-me"}}
	cache := toolcache.New(16, time.Minute)
	e := NewExecutor(executorRegistry(), tr, cache, 5)
	ctx := context.Background()

	calls := []llm.ToolCall{toolCall("c1", "read_file", `{"path":"a"}`)}
	first := e.Execute(ctx, calls)
	second := e.Execute(ctx, []llm.ToolCall{toolCall("c2", "read_file", `{"path": "a"}`)})

	if tr.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1 (second must hit cache)", tr.callCount())
	}
	if !second[0].Cached {
		t.Error("second call must be marked cached")
	}
	if first[0].Output != second[0].Output {
		t.Error("cache hit must return the stored value byte-identical")
	}
}

func TestExecute_FailuresNeverCached(t *testing.T) {
	tr := &stubTransport{errs: map[string]error{"read_file": mcp.ErrTimeout}}
	cache := toolcache.New(16, time.Minute)
	e := NewExecutor(executorRegistry(), tr, cache, 5)
	ctx := context.Background()

	e.Execute(ctx, []llm.ToolCall{toolCall("c1", "read_file", `{"path":"a"}`)})
	delete(tr.errs, "read_file")
	results := e.Execute(ctx, []llm.ToolCall{toolCall("c2", "read_file", `{"path":"a"}`)})

	if tr.callCount() != 2 {
		t.Errorf("transport calls = %d, want 2 (failure must not be served from cache)", tr.callCount())
	}
	if !results[0].Ok {
		t.Errorf("recovered call failed: %s", results[0].ErrMsg)
	}
}

func TestResult_Encode(t *testing.T) {
	ok := Result{Ok: true, Output: "hello"}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(ok.Encode()), &decoded); err != nil {
		t.Fatalf("ok encoding invalid: %v", err)
	}
	if decoded["ok"] != true || decoded["result"] != "hello" {
		t.Errorf("ok form = %v", decoded)
	}

	fail := Result{ErrKind: "Timeout", ErrMsg: "deadline"}
	if err := json.Unmarshal([]byte(fail.Encode()), &decoded); err != nil {
		t.Fatalf("error encoding invalid: %v", err)
	}
	errObj := decoded["error"].(map[string]any)
	if decoded["ok"] != false || errObj["kind"] != "Timeout" {
		t.Errorf("error form = %v", decoded)
	}
}
