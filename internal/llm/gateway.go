// Package llm contains the LLM gateway client and the request
// orchestrator that gates, executes, and records LLM exchanges.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Gateway is the remote completion port. One attempt per call, no
// retries; a timeout surfaces as an ordinary error.
type Gateway interface {
	Complete(ctx context.Context, prompt, model string, image []byte) (string, error)
}

// OpenAIGateway calls an OpenAI-compatible chat completions API.
type OpenAIGateway struct {
	client  openai.Client
	timeout time.Duration
}

// NewOpenAIGateway builds a gateway against the given endpoint. baseURL
// may point at any OpenAI-compatible server; empty uses the SDK default.
func NewOpenAIGateway(baseURL, apiKey string, timeout time.Duration) *OpenAIGateway {
	var opts []openaiopt.RequestOption
	if apiKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIGateway{
		client:  openai.NewClient(opts...),
		timeout: timeout,
	}
}

// Complete sends one user message, optionally with an inline image, and
// returns the model's text.
func (g *OpenAIGateway) Complete(ctx context.Context, prompt, model string, image []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var content openai.ChatCompletionUserMessageParamContentUnion
	if len(image) == 0 {
		content = openai.ChatCompletionUserMessageParamContentUnion{
			OfString: openai.String(prompt),
		}
	} else {
		dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
		content = openai.ChatCompletionUserMessageParamContentUnion{
			OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
				{OfText: &openai.ChatCompletionContentPartTextParam{Text: prompt}},
				{OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
				}},
			},
		}
	}

	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{OfUser: &openai.ChatCompletionUserMessageParam{Content: content}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
