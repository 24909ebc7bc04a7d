package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prism-proxy/prism/internal/store"
)

const (
	relayBufSize = 8192
	// Streams still open this long after the relay starts are finalised
	// from whatever was harvested so far, regardless of chunk activity.
	streamWatchdog = 120 * time.Second
	// Short grace after the last chunk lets trailing events settle
	// before the totals are written back.
	finalizeGrace = 100 * time.Millisecond
)

// streamUsage accumulates token usage across SSE events. Providers emit
// cumulative totals, so each non-zero value replaces the previous one;
// a zero never overwrites a harvested count.
type streamUsage struct {
	input         int
	output        int
	cacheCreation int
	cacheRead     int
	seen          bool
}

func (u *streamUsage) merge(e eventUsage, logf func(format string, args ...any)) {
	u.seen = true
	u.input = mergeTotal(u.input, firstNonZero(e.InputTokens, e.PromptTokens), "input", logf)
	u.output = mergeTotal(u.output, firstNonZero(e.OutputTokens, e.CompletionTokens), "output", logf)
	if e.CacheCreationInputTokens > 0 {
		u.cacheCreation = e.CacheCreationInputTokens
	}
	if e.CacheReadInputTokens > 0 {
		u.cacheRead = e.CacheReadInputTokens
	}
}

func mergeTotal(current, incoming int, label string, logf func(format string, args ...any)) int {
	if incoming == 0 {
		return current
	}
	if incoming < current {
		logf("stream usage: %s tokens decreased from %d to %d, keeping latest", label, current, incoming)
	}
	return incoming
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// eventUsage is the usage block of one SSE event, in either Anthropic
// or OpenAI field spelling.
type eventUsage struct {
	InputTokens              int `json:"input_tokens"`
	PromptTokens             int `json:"prompt_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CompletionTokens         int `json:"completion_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// streamEvent is the subset of an SSE data payload the relay inspects.
// message_start nests usage under message; later events carry it at the
// top level.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *eventUsage `json:"usage"`
	} `json:"message"`
	Usage *eventUsage `json:"usage"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// serveStream writes the initial telemetry row, relays the SSE body
// chunk by chunk while harvesting usage, and patches the final totals
// back once the stream ends. The response status and headers have
// already been written.
func (h *Handler) serveStream(w http.ResponseWriter, resp *http.Response, entry store.RequestLog, started time.Time, reqBody []byte) {
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := h.store.UpsertLog(ctx, entry); err != nil {
			h.logger.Printf("record stream log: %v", err)
		}
		cancel()
	}

	flusher, _ := w.(http.Flusher)

	var (
		mu        sync.Mutex
		u         streamUsage
		text      strings.Builder
		errMsg    string
		carry     []byte
		finalized sync.Once
	)

	finalize := func() {
		finalized.Do(func() {
			time.Sleep(finalizeGrace)
			mu.Lock()
			totals := store.StreamTotals{
				InputTokens:              u.input,
				OutputTokens:             u.output,
				CacheCreationInputTokens: u.cacheCreation,
				CacheReadInputTokens:     u.cacheRead,
				DurationMs:               time.Since(started).Milliseconds(),
			}
			harvested := u.seen && (u.input > 0 || u.output > 0)
			streamedText := text.String()
			failure := errMsg
			mu.Unlock()

			if !harvested {
				totals.InputTokens = h.counter.CountInput(reqBody)
				totals.OutputTokens = h.counter.CountOutput(streamedText)
				h.logger.Printf("stream %s: no usage reported, estimated input=%d output=%d",
					entry.RequestID, totals.InputTokens, totals.OutputTokens)
			}
			if failure != "" {
				totals.ResponseBody = &failure
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.store.UpdateStreamTotals(ctx, entry.RequestID, totals); err != nil {
				h.logger.Printf("finalize stream log: %v", err)
			}
		})
	}
	defer finalize()

	watchdog := time.AfterFunc(h.watchdog, func() {
		h.logger.Printf("stream %s: watchdog fired after %s", entry.RequestID, h.watchdog)
		finalize()
	})
	defer watchdog.Stop()

	buf := make([]byte, relayBufSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			mu.Lock()
			carry = harvestChunk(append(carry, buf[:n]...), &u, &text, &errMsg, h.logger.Printf)
			mu.Unlock()
		}
		if err != nil {
			break
		}
	}
}

// harvestChunk splits accumulated bytes into complete lines, parses the
// data: payloads, and returns the unterminated remainder.
func harvestChunk(data []byte, u *streamUsage, text *strings.Builder, errMsg *string, logf func(format string, args ...any)) []byte {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return data
		}
		line := bytes.TrimRight(data[:i], "\r")
		data = data[i+1:]
		payload, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		if ev.Message != nil && ev.Message.Usage != nil {
			u.merge(*ev.Message.Usage, logf)
		}
		if ev.Usage != nil {
			u.merge(*ev.Usage, logf)
		}
		if ev.Type == "content_block_delta" && ev.Delta != nil {
			text.WriteString(ev.Delta.Text)
		}
		if ev.Type == "error" && ev.Error != nil && ev.Error.Message != "" {
			*errMsg = ev.Error.Message
		}
	}
}
