// Package bedrock adapts AWS Bedrock's InvokeModel/InvokeModelWithResponseStream
// APIs to the gateway.Gateway contract (§4.1, §B), following the model-family
// dispatch used by the reference corpus's Bedrock generator.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/R3E-Network/service_layer/internal/app/gateway"
)

// Provider wraps an AWS Bedrock Runtime client.
type Provider struct {
	client *bedrockruntime.Client
}

// New constructs a Provider for region using the default AWS credential
// chain.
func New(ctx context.Context, region string) (*Provider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return &Provider{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

func (p *Provider) Invoke(ctx context.Context, modelID, prompt string, opts gateway.Opts) (string, gateway.Usage, error) {
	body, err := p.buildRequest(modelID, prompt, opts)
	if err != nil {
		return "", gateway.Usage{}, gateway.NewModelError(gateway.KindInvalid, modelID, "failed to build request", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return "", gateway.Usage{}, p.wrapError(modelID, err)
	}

	text, err := p.parseResponse(modelID, out.Body)
	if err != nil {
		return "", gateway.Usage{}, gateway.NewModelError(gateway.KindProviderError, modelID, "failed to parse response", err)
	}
	if opts.Structured && !json.Valid([]byte(text)) {
		return "", gateway.Usage{}, gateway.NewModelError(gateway.KindInvalid, modelID, "structured output is not valid JSON", nil)
	}
	return text, gateway.EstimateUsage(prompt, text), nil
}

func (p *Provider) Stream(ctx context.Context, modelID, prompt string, opts gateway.Opts) (gateway.Stream, error) {
	body, err := p.buildRequest(modelID, prompt, opts)
	if err != nil {
		return nil, gateway.NewModelError(gateway.KindInvalid, modelID, "failed to build request", err)
	}

	resp, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, p.wrapError(modelID, err)
	}

	out := make(chan gateway.Delta, 16)
	go func() {
		defer close(out)
		stream := resp.GetStream()
		defer stream.Close()

		var completion strings.Builder
		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			text, isFinal := p.parseStreamChunk(modelID, chunk.Value.Bytes)
			if text != "" {
				completion.WriteString(text)
				out <- gateway.Delta{Text: text}
			}
			if isFinal {
				break
			}
		}
		if err := stream.Err(); err != nil {
			out <- gateway.Delta{Err: p.wrapError(modelID, err), Done: true}
			return
		}
		usage := gateway.EstimateUsage(prompt, completion.String())
		out <- gateway.Delta{Done: true, Usage: &usage}
	}()
	return gateway.Stream(out), nil
}

func (p *Provider) buildRequest(modelID, prompt string, opts gateway.Opts) ([]byte, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	switch {
	case strings.HasPrefix(modelID, "anthropic.claude"):
		req := map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}
		if opts.Temperature > 0 {
			req["temperature"] = opts.Temperature
		}
		return json.Marshal(req)
	case strings.HasPrefix(modelID, "amazon.titan"):
		req := map[string]any{
			"inputText": prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   opts.Temperature,
			},
		}
		return json.Marshal(req)
	case strings.HasPrefix(modelID, "meta.llama"):
		req := map[string]any{
			"prompt":      prompt,
			"max_gen_len": maxTokens,
			"temperature": opts.Temperature,
		}
		return json.Marshal(req)
	default:
		return nil, fmt.Errorf("unsupported model family: %s", modelID)
	}
}

func (p *Provider) parseResponse(modelID string, body []byte) (string, error) {
	switch {
	case strings.HasPrefix(modelID, "anthropic.claude"):
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", err
		}
		var text strings.Builder
		for _, c := range resp.Content {
			if c.Type == "text" {
				text.WriteString(c.Text)
			}
		}
		return text.String(), nil
	case strings.HasPrefix(modelID, "amazon.titan"):
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", err
		}
		if len(resp.Results) == 0 {
			return "", fmt.Errorf("no results in Titan response")
		}
		return resp.Results[0].OutputText, nil
	case strings.HasPrefix(modelID, "meta.llama"):
		var resp struct {
			Generation string `json:"generation"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", err
		}
		return resp.Generation, nil
	default:
		return "", fmt.Errorf("unsupported model family: %s", modelID)
	}
}

// parseStreamChunk returns the incremental text (if any) and whether this
// chunk marks the end of the stream.
func (p *Provider) parseStreamChunk(modelID string, raw []byte) (string, bool) {
	switch {
	case strings.HasPrefix(modelID, "anthropic.claude"):
		var chunk struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return "", false
		}
		return chunk.Delta.Text, chunk.Type == "message_stop"
	default:
		var chunk struct {
			Generation         string `json:"generation"`
			OutputText         string `json:"outputText"`
			IsComplete         bool   `json:"is_complete"`
			CompletionReason   string `json:"completionReason"`
		}
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return "", false
		}
		text := chunk.Generation
		if text == "" {
			text = chunk.OutputText
		}
		return text, chunk.IsComplete || chunk.CompletionReason != ""
	}
}

func (p *Provider) wrapError(modelID string, err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "ThrottlingException") || strings.Contains(errStr, "TooManyRequestsException"):
		return gateway.NewModelError(gateway.KindRateLimited, modelID, "rate limit exceeded", err)
	case strings.Contains(errStr, "AccessDeniedException") || strings.Contains(errStr, "UnauthorizedException"):
		return gateway.NewModelError(gateway.KindProviderError, modelID, "authentication error", err)
	case strings.Contains(errStr, "ValidationException"):
		return gateway.NewModelError(gateway.KindInvalid, modelID, "invalid request", err)
	case strings.Contains(errStr, "ServiceUnavailableException") || strings.Contains(errStr, "InternalServerException"):
		return gateway.NewModelError(gateway.KindTimeout, modelID, "service unavailable", err)
	default:
		return gateway.NewModelError(gateway.KindProviderError, modelID, "API error", err)
	}
}
