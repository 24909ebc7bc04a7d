package proxy

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage with the cl100k_base BPE when the
// upstream response carries no usage block. The encoding is loaded once
// and reused; estimates are approximate by nature and only ever used as
// a fallback.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTokenCounter returns a counter with lazy encoder initialisation.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (c *TokenCounter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
		if c.err != nil {
			log.Printf("[proxy] token counter unavailable: %v", c.err)
		}
	})
	return c.enc
}

// CountText returns the BPE token count of a single string, or 0 when
// the encoder could not be loaded.
func (c *TokenCounter) CountText(text string) int {
	enc := c.encoding()
	if enc == nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// CountInput estimates input tokens of a messages request body: the
// system prompt plus, per message, the role and every piece of text
// content. Content may be a plain string or an array of content blocks
// whose text fields are summed.
func (c *TokenCounter) CountInput(body []byte) int {
	var req struct {
		System   json.RawMessage `json:"system"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0
	}
	total := c.countContent(req.System)
	for _, m := range req.Messages {
		total += c.CountText(m.Role)
		total += c.countContent(m.Content)
	}
	return total
}

// countContent handles the two content shapes: a bare JSON string, or
// an array of blocks each optionally carrying a text field.
func (c *TokenCounter) countContent(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return c.CountText(s)
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) != nil {
		return 0
	}
	total := 0
	for _, b := range blocks {
		if b.Text != "" {
			total += c.CountText(b.Text)
		}
	}
	return total
}

// CountOutput estimates output tokens from accumulated streamed text.
func (c *TokenCounter) CountOutput(text string) int {
	return c.CountText(text)
}
