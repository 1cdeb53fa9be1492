// Package tokencount counts prompt tokens so requests stay inside the
// vendor's context window. It wraps tiktoken-go with a per-model encoding
// cache.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewCounter creates a Counter with an empty encoding cache.
func NewCounter() *Counter { return &Counter{cache: map[string]*tiktoken.Tiktoken{}} }

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	key := normalizeModel(model)
	c.mu.RLock()
	enc, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		// cl100k_base covers GPT-4 era models and is a fair approximation
		// for everything else.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[key] = enc
	return enc, nil
}

func normalizeModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// Count returns the token count of text for model, falling back to a rough
// 4-chars-per-token estimate when no encoding is available.
func (c *Counter) Count(text, model string) int {
	enc, err := c.encoding(model)
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountChat counts tokens for a two-message chat request including the
// per-message framing overhead of OpenAI-compatible APIs.
func (c *Counter) CountChat(systemPrompt, userPrompt, model string) int {
	const perMessage = 4 // role + framing
	n := perMessage + c.Count(systemPrompt, model)
	n += perMessage + c.Count(userPrompt, model)
	n += 3 // assistant reply priming
	return n
}

// Truncate trims text so it fits within maxTokens for model. Trimming happens
// on rune boundaries using the estimated bytes-per-token ratio, then verifies
// with a real count.
func (c *Counter) Truncate(text, model string, maxTokens int) string {
	if maxTokens <= 0 || c.Count(text, model) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(string(runes[:mid]), model) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
