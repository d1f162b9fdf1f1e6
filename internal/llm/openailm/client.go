// Package openailm implements the llm.Client interface over the OpenAI
// chat-completions and embeddings APIs.
package openailm

import (
	"context"
	"fmt"
	"strings"

	"avatarbackend/internal/llm"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const embeddingModel = "text-embedding-3-small"

// Client wraps the official OpenAI Go SDK.
type Client struct {
	sdk         *openai.Client
	model       string
	debugChunks bool
}

func init() {
	llm.Register("openai", func(apiKey, model string, debugChunks bool) (llm.Client, error) {
		return New(apiKey, model, debugChunks)
	})
}

// New constructs an OpenAI-backed Client for model.
func New(apiKey, model string, debugChunks bool) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: empty api key")
	}
	sdk := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{sdk: &sdk, model: model, debugChunks: debugChunks}, nil
}

func (c *Client) Provider() string { return "openai" }

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "429")
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, params llm.Params) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, 64)

	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertMessages(messages),
	}
	if params.MaxTokens > 0 {
		p.MaxTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.Temperature > 0 {
		p.Temperature = openai.Float(params.Temperature)
	}

	debugger := llm.NewStreamDebugger(ctx, "openai", c.debugChunks)

	go func() {
		defer close(out)
		defer debugger.Close()

		stream := c.sdk.Chat.Completions.NewStreaming(ctx, p)

		var finishReason string
		var usage *llm.Usage

		for stream.Next() {
			event := stream.Current()
			if len(event.Choices) == 0 {
				continue
			}
			choice := event.Choices[0]
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				debugger.WriteString(choice.Delta.Content)
				select {
				case out <- llm.StreamChunk{Text: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			if event.Usage.TotalTokens > 0 {
				usage = &llm.Usage{
					PromptTokens:     int(event.Usage.PromptTokens),
					CompletionTokens: int(event.Usage.CompletionTokens),
					TotalTokens:      int(event.Usage.TotalTokens),
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Err: fmt.Errorf("openai stream: %w", err), IsFinal: true}
			return
		}

		reason := llm.StopReasonStop
		if strings.EqualFold(finishReason, "length") {
			reason = llm.StopReasonLength
		}
		out <- llm.StreamChunk{IsFinal: true, FinishReason: reason, Usage: usage}
	}()

	return out, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embed: empty response")
	}
	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	items := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(m.Text)},
				},
			})
		case llm.RoleAssistant:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Text)},
				},
			})
		default:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(m.Text)},
				},
			})
		}
	}
	return items
}
