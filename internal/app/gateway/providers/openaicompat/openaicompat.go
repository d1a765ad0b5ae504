// Package openaicompat adapts github.com/sashabaranov/go-openai to the
// gateway.Gateway contract (§4.1, §B), following the shared-adapter shape
// used across the OpenAI-compatible providers of the reference corpus.
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/R3E-Network/service_layer/internal/app/gateway"
)

// Provider wraps a go-openai client pointed at an OpenAI-compatible endpoint
// (OpenAI itself, or any provider exposing the same chat-completions shape).
type Provider struct {
	client *goopenai.Client
	name   string
}

// New constructs a Provider. baseURL may be empty to use OpenAI's own API.
func New(name, apiKey, baseURL string) *Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{client: goopenai.NewClientWithConfig(cfg), name: name}
}

func (p *Provider) Invoke(ctx context.Context, modelID, prompt string, opts gateway.Opts) (string, gateway.Usage, error) {
	req := p.buildRequest(modelID, prompt, opts, false)
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", gateway.Usage{}, p.wrapError(modelID, err)
	}
	if len(resp.Choices) == 0 {
		return "", gateway.Usage{}, gateway.NewModelError(gateway.KindProviderError, modelID, "empty choices in response", nil)
	}
	text := resp.Choices[0].Message.Content
	if opts.Structured && !json.Valid([]byte(text)) {
		return "", gateway.Usage{}, gateway.NewModelError(gateway.KindInvalid, modelID, "structured output is not valid JSON", nil)
	}
	usage := gateway.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return text, usage, nil
}

func (p *Provider) Stream(ctx context.Context, modelID, prompt string, opts gateway.Opts) (gateway.Stream, error) {
	req := p.buildRequest(modelID, prompt, opts, true)
	upstream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, p.wrapError(modelID, err)
	}

	out := make(chan gateway.Delta, 16)
	go func() {
		defer close(out)
		defer upstream.Close()

		var completion strings.Builder
		for {
			resp, err := upstream.Recv()
			if err == io.EOF {
				usage := gateway.EstimateUsage(prompt, completion.String())
				out <- gateway.Delta{Done: true, Usage: &usage}
				return
			}
			if err != nil {
				out <- gateway.Delta{Err: p.wrapError(modelID, err), Done: true}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			completion.WriteString(delta)
			out <- gateway.Delta{Text: delta}
		}
	}()
	return gateway.Stream(out), nil
}

func (p *Provider) buildRequest(modelID, prompt string, opts gateway.Opts, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model: modelID,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: stream,
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Structured {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req
}

// wrapError classifies an OpenAI-compatible API error into a gateway.ModelError
// (mirrors openaicompat.WrapError in the reference generator package).
func (p *Provider) wrapError(modelID string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *goopenai.APIError
	if asAPIError(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return gateway.NewModelError(gateway.KindRateLimited, modelID, fmt.Sprintf("%s: rate limited", p.name), err)
		case 408:
			return gateway.NewModelError(gateway.KindTimeout, modelID, fmt.Sprintf("%s: request timed out", p.name), err)
		case 400, 422:
			return gateway.NewModelError(gateway.KindInvalid, modelID, fmt.Sprintf("%s: invalid request", p.name), err)
		default:
			return gateway.NewModelError(gateway.KindProviderError, modelID, fmt.Sprintf("%s: API error", p.name), err)
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "context canceled") {
		return gateway.NewModelError(gateway.KindTimeout, modelID, fmt.Sprintf("%s: request timed out", p.name), err)
	}
	return gateway.NewModelError(gateway.KindProviderError, modelID, fmt.Sprintf("%s: API error", p.name), err)
}

func asAPIError(err error, target **goopenai.APIError) bool {
	if apiErr, ok := err.(*goopenai.APIError); ok {
		*target = apiErr
		return true
	}
	return false
}
