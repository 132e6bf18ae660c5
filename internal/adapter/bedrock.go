package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

// Bedrock adapts AWS Bedrock's InvokeModel API to the canonical contract.
// Registered as an additional provider type through the registry's extension
// path; transport is the AWS SDK rather than plain HTTP, so hard failures
// carry the SDK's error text instead of an upstream status code.
type Bedrock struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrockConstructor binds a loaded AWS config so the registry can build
// Bedrock adapters like any other type.
func NewBedrockConstructor(cfg aws.Config) Constructor {
	return func(p *domain.Provider, deps Deps) (Adapter, error) {
		return &Bedrock{
			client: bedrockruntime.NewFromConfig(cfg),
			region: cfg.Region,
		}, nil
	}
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	ID         string `json:"id"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toBedrockRequest(req domain.ChatRequest) bedrockRequest {
	var system string
	var messages []bedrockMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           system,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
	}
}

func (a *Bedrock) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &domain.AdapterError{Body: err.Error()}
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: mapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// ChatCompletionStream bridges the SDK's event stream into the raw byte
// stream the relay contract expects: each chunk's payload bytes are written
// through a pipe as they arrive. Closing the reader tears the bridge down.
func (a *Bedrock) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &domain.AdapterError{Body: err.Error()}
	}

	pr, pw := io.Pipe()

	go func() {
		stream := output.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			if _, err := pw.Write(append(chunk.Value.Bytes, '\n')); err != nil {
				// Reader closed; stop relaying.
				return
			}
		}

		pw.CloseWithError(stream.Err())
	}()

	return pr, nil
}

func (a *Bedrock) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	// The runtime API has no catalog call; advertise the commonly enabled
	// model ids for the configured region.
	return []domain.ModelInfo{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Object: "model", OwnedBy: "anthropic"},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Object: "model", OwnedBy: "anthropic"},
		{ID: "amazon.titan-text-express-v1", Object: "model", OwnedBy: "amazon"},
		{ID: "meta.llama3-70b-instruct-v1:0", Object: "model", OwnedBy: "meta"},
		{ID: "meta.llama3-8b-instruct-v1:0", Object: "model", OwnedBy: "meta"},
	}, nil
}

func (a *Bedrock) HealthCheck(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{
		Success: true,
		Message: fmt.Sprintf("Bedrock runtime configured (region %s)", a.region),
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
