// Package proxy implements the forwarding core: the /v1/messages
// ingress handler, the SSE relay with usage harvesting, the fallback
// token counter and the restartable server lifecycle.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/store"
)

const (
	upstreamTimeout = 60 * time.Second
	connectTimeout  = 10 * time.Second
)

// Handler forwards Anthropic-style message requests to the active
// profile's upstream and records telemetry for every attempt that
// passes the auth gate.
type Handler struct {
	profiles *profile.Store
	store    store.Store
	counter  *TokenCounter
	client   *http.Client
	logger   *log.Logger
	watchdog time.Duration
	debug    bool
}

// NewHandler builds a forwarding handler. The HTTP client bounds the
// whole exchange at 60s with a 10s connect budget; automatic
// decompression stays on so relayed bodies are plain text.
func NewHandler(profiles *profile.Store, st store.Store, logger *log.Logger) *Handler {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Handler{
		profiles: profiles,
		store:    st,
		counter:  NewTokenCounter(),
		client: &http.Client{
			Timeout: upstreamTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
				MaxIdleConnsPerHost: 16,
			},
		},
		logger:   logger,
		watchdog: streamWatchdog,
	}
}

// SetDebug enables request tracing logs.
func (h *Handler) SetDebug(enabled bool) {
	h.debug = enabled
}

func (h *Handler) debugf(format string, args ...any) {
	if h.debug {
		h.logger.Printf(format, args...)
	}
}

// isStreamRequest mirrors the cheap substring check used on the raw
// body so the detection cannot disagree with what is forwarded.
func isStreamRequest(body []byte) bool {
	return bytes.Contains(body, []byte(`"stream":true`)) ||
		bytes.Contains(body, []byte(`"stream": true`))
}

// requestModel pulls the model field out of the raw body, defaulting to
// "unknown" when absent or unparseable.
func requestModel(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Model) == "" {
		return "unknown"
	}
	return req.Model
}

// lastUserMessage returns the textual content of the last user-role
// message: the string itself, or the first text part of an array
// content. Used only for diagnostic logging.
func lastUserMessage(body []byte) string {
	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		raw := req.Messages[i].Content
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &parts) == nil {
			for _, p := range parts {
				if p.Type == "text" {
					return p.Text
				}
			}
		}
		return ""
	}
	return ""
}

// rewriteModel replaces the model field in the body, returning the
// original bytes untouched when re-encoding fails.
func rewriteModel(body []byte, model string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return body
	}
	obj["model"] = enc
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

// Messages handles POST /v1/messages.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	if !h.profiles.Authorize(r.Header.Get("Authorization")) {
		respondError(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}

	active, ok := h.profiles.GetActive()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no active profile configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	requestID := uuid.NewString()
	started := time.Now()
	originalModel := requestModel(body)
	forwardedModel := active.ResolveModel(originalModel)
	if forwardedModel != originalModel {
		body = rewriteModel(body, forwardedModel)
	}
	stream := isStreamRequest(body)
	requestSize := int64(len(body))

	entry := store.RequestLog{
		RequestID:        requestID,
		Timestamp:        started.UnixMilli(),
		ProfileID:        active.ID,
		ProfileName:      active.Name,
		Provider:         active.Provider(),
		OriginalModel:    originalModel,
		ModelMode:        string(active.MappingMode),
		ForwardedModel:   forwardedModel,
		IsStream:         stream,
		RequestSizeBytes: &requestSize,
	}

	upstreamURL := strings.TrimSuffix(active.APIBaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		h.recordFailure(entry, started, http.StatusBadGateway, err)
		respondError(w, http.StatusBadGateway, "failed to build upstream request")
		return
	}
	copyRequestHeaders(req.Header, r.Header)
	req.Header.Set("Authorization", "Bearer "+active.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", browserUserAgent)

	h.debugf("proxy.messages: POST %s model=%s stream=%v", upstreamURL, forwardedModel, stream)
	if h.debug {
		if msg := lastUserMessage(body); msg != "" {
			h.debugf("proxy.messages: last user message: %.200s", msg)
		}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Printf("upstream request failed: %v", err)
		h.recordFailure(entry, started, http.StatusBadGateway, err)
		respondError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	upstreamMs := time.Since(started).Milliseconds()
	entry.UpstreamDurationMs = &upstreamMs
	entry.StatusCode = resp.StatusCode

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if stream {
		h.serveStream(w, resp, entry, started, body)
		return
	}
	h.serveBuffered(w, resp, entry, started)
}

// serveBuffered relays a non-streaming response and records telemetry
// off the request path once the body is fully written.
func (h *Handler) serveBuffered(w http.ResponseWriter, resp *http.Response, entry store.RequestLog, started time.Time) {
	respBody, readErr := io.ReadAll(resp.Body)
	if len(respBody) > 0 {
		_, _ = w.Write(respBody)
	}
	entry.DurationMs = time.Since(started).Milliseconds()
	respSize := int64(len(respBody))
	entry.ResponseSizeBytes = &respSize
	if readErr != nil {
		msg := "read upstream body: " + readErr.Error()
		entry.ErrorMessage = &msg
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			u := parseUsage(respBody)
			entry.InputTokens = u.InputTokens
			entry.OutputTokens = u.OutputTokens
			entry.CacheCreationInputTokens = u.CacheCreationInputTokens
			entry.CacheReadInputTokens = u.CacheReadInputTokens
		} else {
			body := string(respBody)
			if entry.ErrorMessage == nil {
				msg := upstreamErrorMessage(respBody, resp.StatusCode)
				entry.ErrorMessage = &msg
			}
			entry.ResponseBody = &body
		}
		if _, err := h.store.UpsertLog(ctx, entry); err != nil {
			h.logger.Printf("record request log: %v", err)
		}
	}()
}

// recordFailure writes the telemetry row for a request that never got
// an upstream response.
func (h *Handler) recordFailure(entry store.RequestLog, started time.Time, status int, cause error) {
	entry.StatusCode = status
	entry.DurationMs = time.Since(started).Milliseconds()
	msg := cause.Error()
	entry.ErrorMessage = &msg
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := h.store.UpsertLog(ctx, entry); err != nil {
			h.logger.Printf("record request log: %v", err)
		}
	}()
}

// usage is the token accounting block of an Anthropic or OpenAI style
// response; both field spellings are accepted.
type usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

func parseUsage(body []byte) usage {
	var resp struct {
		Usage *struct {
			InputTokens              int `json:"input_tokens"`
			PromptTokens             int `json:"prompt_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CompletionTokens         int `json:"completion_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return usage{}
	}
	u := usage{
		InputTokens:              resp.Usage.InputTokens,
		OutputTokens:             resp.Usage.OutputTokens,
		CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
	}
	if u.InputTokens == 0 {
		u.InputTokens = resp.Usage.PromptTokens
	}
	if u.OutputTokens == 0 {
		u.OutputTokens = resp.Usage.CompletionTokens
	}
	return u
}

// upstreamErrorMessage extracts the error message from an upstream
// error payload, falling back to the bare status code.
func upstreamErrorMessage(body []byte, status int) string {
	var resp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return fmt.Sprintf("upstream returned status %d", status)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
