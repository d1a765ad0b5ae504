package gateway

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is lazily initialized and shared across providers; cl100k_base
// is a reasonable approximation across modern chat models when a provider's
// own usage accounting (§4.1 Usage) is unavailable.
var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// EstimateUsage counts tokens in prompt and completion when a provider does
// not report usage directly (§B token accounting).
func EstimateUsage(prompt, completion string) Usage {
	e := encoding()
	if e == nil {
		// Fallback: a rough four-bytes-per-token estimate keeps the gateway usable even
		// if the tiktoken vocabulary file could not be loaded (e.g. offline).
		p := len(prompt) / 4
		c := len(completion) / 4
		return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
	}
	p := len(e.Encode(prompt, nil, nil))
	c := len(e.Encode(completion, nil, nil))
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}
