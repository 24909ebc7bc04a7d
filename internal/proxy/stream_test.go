package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prism-proxy/prism/internal/profile"
)

func sseUpstream(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("test server does not support flushing")
			return
		}
		for _, ev := range events {
			_, _ = io.WriteString(w, ev+"\n\n")
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestServeStreamHarvestsUsage(t *testing.T) {
	fs := newFakeStore()
	upstream := sseUpstream(t, []string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":100,"output_tokens":1,"cache_read_input_tokens":9}}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
		`data: {"type":"message_delta","usage":{"output_tokens":12}}`,
		`data: {"type":"message_stop"}`,
	})

	srv, _ := newProxy(t, fs, upstream.URL, nil)
	resp := postMessages(t, srv.URL, `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "message_stop") {
		t.Fatalf("stream not relayed: %s", body)
	}

	entry := waitUpsert(t, fs)
	if !entry.IsStream {
		t.Fatal("initial row must be marked streaming")
	}
	if entry.InputTokens != 0 || entry.OutputTokens != 0 {
		t.Fatalf("initial row carries tokens: %+v", entry)
	}

	totals := waitUpdate(t, fs)
	if totals.InputTokens != 100 {
		t.Fatalf("input = %d, want 100", totals.InputTokens)
	}
	if totals.OutputTokens != 12 {
		t.Fatalf("output = %d, want the final cumulative 12", totals.OutputTokens)
	}
	if totals.CacheReadInputTokens != 9 {
		t.Fatalf("cache read = %d, want 9", totals.CacheReadInputTokens)
	}
	if totals.DurationMs < 0 {
		t.Fatalf("duration = %d", totals.DurationMs)
	}
}

func TestServeStreamFallbackEstimate(t *testing.T) {
	fs := newFakeStore()
	upstream := sseUpstream(t, []string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
		`data: {"type":"message_stop"}`,
	})

	reqBody := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	srv, _ := newProxy(t, fs, upstream.URL, nil)
	resp := postMessages(t, srv.URL, reqBody, nil)
	_, _ = io.ReadAll(resp.Body)

	waitUpsert(t, fs)
	totals := waitUpdate(t, fs)

	counter := NewTokenCounter()
	wantInput := counter.CountInput([]byte(reqBody))
	wantOutput := counter.CountOutput("Hello world")
	if totals.InputTokens != wantInput {
		t.Fatalf("estimated input = %d, want %d", totals.InputTokens, wantInput)
	}
	if totals.OutputTokens != wantOutput {
		t.Fatalf("estimated output = %d, want %d", totals.OutputTokens, wantOutput)
	}
}

func TestServeStreamWatchdogFinalizesOnce(t *testing.T) {
	fs := newFakeStore()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	// Emits usage up front, then keeps dripping chunks well past the
	// watchdog deadline.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":50,"output_tokens":2}}}`+"\n\n")
		flusher.Flush()
		for i := 0; i < 20; i++ {
			select {
			case <-done:
				return
			case <-time.After(30 * time.Millisecond):
			}
			_, _ = io.WriteString(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`+"\n\n")
			flusher.Flush()
		}
	}))
	t.Cleanup(upstream.Close)

	profiles := profile.NewStore()
	p := profile.New("work", upstream.URL, "sk-upstream-key")
	if _, err := profiles.Create(p); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := profiles.Activate(p.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	h := NewHandler(profiles, fs, testLogger())
	h.watchdog = 150 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(h.Messages))
	t.Cleanup(srv.Close)

	resp := postMessages(t, srv.URL, `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	waitUpsert(t, fs)

	// The deadline must force finalization while chunks are still
	// flowing, using the partial totals harvested so far.
	totals := waitUpdate(t, fs)
	if totals.InputTokens != 50 || totals.OutputTokens != 2 {
		t.Fatalf("watchdog totals = %d/%d, want harvested 50/2", totals.InputTokens, totals.OutputTokens)
	}

	_, _ = io.ReadAll(resp.Body)
	select {
	case <-fs.updates:
		t.Fatal("stream finalized more than once")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStreamUsageMerge(t *testing.T) {
	logf := func(string, ...any) {}
	var u streamUsage

	u.merge(eventUsage{InputTokens: 100, OutputTokens: 1}, logf)
	u.merge(eventUsage{OutputTokens: 5}, logf)
	if u.input != 100 || u.output != 5 {
		t.Fatalf("after cumulative merge: input=%d output=%d", u.input, u.output)
	}

	// A zero never erases a harvested total.
	u.merge(eventUsage{}, logf)
	if u.input != 100 || u.output != 5 {
		t.Fatalf("zero merge regressed totals: input=%d output=%d", u.input, u.output)
	}

	// OpenAI spellings are accepted.
	u.merge(eventUsage{PromptTokens: 120, CompletionTokens: 7}, logf)
	if u.input != 120 || u.output != 7 {
		t.Fatalf("openai spelling merge: input=%d output=%d", u.input, u.output)
	}

	// A decrease is kept (latest wins) but logged.
	warned := false
	u.merge(eventUsage{OutputTokens: 3}, func(string, ...any) { warned = true })
	if u.output != 3 {
		t.Fatalf("latest total must win: %d", u.output)
	}
	if !warned {
		t.Fatal("decrease should be logged")
	}
}

func TestHarvestChunkSplitLines(t *testing.T) {
	var u streamUsage
	var text strings.Builder
	var errMsg string
	logf := func(string, ...any) {}

	carry := harvestChunk([]byte(`data: {"type":"message_start","message":{"usage":{"inp`), &u, &text, &errMsg, logf)
	if u.seen {
		t.Fatal("partial line must not be parsed")
	}
	carry = harvestChunk(append(carry, []byte("ut_tokens\":42}}}\n")...), &u, &text, &errMsg, logf)
	if !u.seen || u.input != 42 {
		t.Fatalf("reassembled line not parsed: %+v", u)
	}
	if len(carry) != 0 {
		t.Fatalf("carry not drained: %q", carry)
	}
}

func TestHarvestChunkErrorEvent(t *testing.T) {
	var u streamUsage
	var text strings.Builder
	var errMsg string

	harvestChunk([]byte(`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`+"\n"), &u, &text, &errMsg, func(string, ...any) {})
	if errMsg != "overloaded" {
		t.Fatalf("error message = %q", errMsg)
	}
}
