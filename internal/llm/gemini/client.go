// Package gemini implements the llm.Client interface over the Google
// genai SDK.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"avatarbackend/internal/llm"

	"google.golang.org/genai"
)

const embeddingModel = "text-embedding-004"

// Client wraps the Google genai SDK for a single model.
type Client struct {
	sdk         *genai.Client
	model       string
	debugChunks bool
}

func init() {
	llm.Register("gemini", func(apiKey, model string, debugChunks bool) (llm.Client, error) {
		return New(apiKey, model, debugChunks)
	})
}

// New constructs a Gemini-backed Client for model.
func New(apiKey, model string, debugChunks bool) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: empty api key")
	}
	sdk, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Client{sdk: sdk, model: model, debugChunks: debugChunks}, nil
}

func (c *Client) Provider() string { return "gemini" }

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "503") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "internal error") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded")
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, params llm.Params) (<-chan llm.StreamChunk, error) {
	contents, systemInstruction := convertMessages(messages)

	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}
	if params.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(params.MaxTokens)
	}
	if params.Temperature > 0 {
		t32 := float32(params.Temperature)
		genConfig.Temperature = &t32
	}

	out := make(chan llm.StreamChunk, 64)
	startResult := make(chan error, 1)

	go func() {
		defer close(out)

		debugger := llm.NewStreamDebugger(ctx, "gemini", c.debugChunks)
		defer debugger.Close()

		iter := c.sdk.Models.GenerateContentStream(ctx, c.model, contents, genConfig)

		started := false
		var lastUsage *llm.Usage
		var lastFinishReason string

		for resp, err := range iter {
			if err != nil {
				if resp == nil {
					if !started {
						startResult <- err
					} else {
						out <- llm.StreamChunk{Err: fmt.Errorf("gemini stream: %w", err), IsFinal: true}
					}
					return
				}
			}

			if !started {
				started = true
				startResult <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.Usage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" {
					lastFinishReason = normalizeStopReason(string(candidate.FinishReason))
				}
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text != "" && !part.Thought {
						debugger.WriteString(part.Text)
						select {
						case out <- llm.StreamChunk{Text: part.Text}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}

		out <- llm.StreamChunk{IsFinal: true, FinishReason: lastFinishReason, Usage: lastUsage}
	}()

	select {
	case err := <-startResult:
		if err != nil {
			return nil, err
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.sdk.Models.EmbedContent(ctx, embeddingModel, []*genai.Content{
		{Parts: []*genai.Part{{Text: text}}},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embed: empty response")
	}
	return resp.Embeddings[0].Values, nil
}

func convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if m.Text != "" {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Text}}}
			}
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		if m.Text == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Text}},
		})
	}
	return contents, systemInstruction
}

func normalizeStopReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP", "FINISH_REASON_STOP":
		return llm.StopReasonStop
	case "MAX_TOKENS", "FINISH_REASON_MAX_TOKENS":
		return llm.StopReasonLength
	default:
		return strings.ToLower(reason)
	}
}
