// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// gateway.Gateway contract (§4.1, §B).
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/R3E-Network/service_layer/internal/app/gateway"
)

// Provider wraps an Anthropic Messages client.
type Provider struct {
	client anthropic.Client
}

// New constructs a Provider authenticated with apiKey.
func New(apiKey string) *Provider {
	return &Provider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (p *Provider) Invoke(ctx context.Context, modelID, prompt string, opts gateway.Opts) (string, gateway.Usage, error) {
	params := p.buildParams(modelID, prompt, opts)
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", gateway.Usage{}, p.wrapError(modelID, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := text.String()

	if opts.Structured {
		if !json.Valid([]byte(out)) {
			return "", gateway.Usage{}, gateway.NewModelError(gateway.KindInvalid, modelID, "structured output is not valid JSON", nil)
		}
	}

	usage := gateway.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return out, usage, nil
}

func (p *Provider) Stream(ctx context.Context, modelID, prompt string, opts gateway.Opts) (gateway.Stream, error) {
	params := p.buildParams(modelID, prompt, opts)
	out := make(chan gateway.Delta, 16)

	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, params)
		message := anthropic.Message{}
		var usage gateway.Usage

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				out <- gateway.Delta{Err: p.wrapError(modelID, err), Done: true}
				return
			}
			if delta, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				out <- gateway.Delta{Text: delta.Text}
			}
		}
		if err := stream.Err(); err != nil {
			out <- gateway.Delta{Err: p.wrapError(modelID, err), Done: true}
			return
		}
		usage = gateway.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		}
		out <- gateway.Delta{Done: true, Usage: &usage}
	}()

	return gateway.Stream(out), nil
}

func (p *Provider) buildParams(modelID, prompt string, opts gateway.Opts) anthropic.MessageNewParams {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	return params
}

// wrapError classifies an Anthropic SDK error into a gateway.ModelError kind
// (§4.1): rate limits and request timeouts are retried, everything else is
// terminal for that invocation.
func (p *Provider) wrapError(modelID string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return gateway.NewModelError(gateway.KindRateLimited, modelID, "rate limited", err)
	case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timeout") || strings.Contains(lower, "context canceled"):
		return gateway.NewModelError(gateway.KindTimeout, modelID, "request timed out", err)
	case strings.Contains(lower, "content") && strings.Contains(lower, "filter"):
		return gateway.NewModelError(gateway.KindContentFiltered, modelID, "content filtered", err)
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid"):
		return gateway.NewModelError(gateway.KindInvalid, modelID, "invalid request", err)
	default:
		return gateway.NewModelError(gateway.KindProviderError, modelID, fmt.Sprintf("anthropic API error: %s", msg), err)
	}
}
