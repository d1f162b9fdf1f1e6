// Package engine implements the Conversation Engine: prompt assembly,
// streaming LLM invocation, emotion segmentation of the response, segment
// persistence, and background rolling summarization.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"avatarbackend/internal/config"
	"avatarbackend/internal/llm"
	"avatarbackend/internal/retrieval"
	"avatarbackend/internal/store"
	"avatarbackend/internal/wire"

	"github.com/google/uuid"
)

const (
	fallbackSentence = "I'm not sure how to respond to that — could you rephrase?"
	errorApology     = "Sorry, something went wrong on my end. Please try again."
)

// Retriever is the subset of retrieval.Store the engine depends on.
type Retriever interface {
	Query(ctx context.Context, text string) ([]retrieval.Passage, error)
}

// Emitter pushes one outbound frame to the session's client. Implementations
// are expected to block under backpressure rather than drop frames.
type Emitter func(wire.Outbound) error

// Engine ties the Conversation Store, Retrieval Store, and LLM Gateway
// together to service one turn at a time per conversation.
type Engine struct {
	store      *store.Store
	retriever  Retriever // nil disables RAG entirely
	llmClient  llm.Client
	cfg        *config.Config

	systemPrompt atomic.Pointer[string]

	summarizeMu  sync.Mutex
	summarizing  map[string]bool
}

// New builds an Engine. retriever may be nil if no documents folder is
// configured.
func New(st *store.Store, retriever Retriever, llmClient llm.Client, cfg *config.Config, systemPrompt string) *Engine {
	e := &Engine{
		store:       st,
		retriever:   retriever,
		llmClient:   llmClient,
		cfg:         cfg,
		summarizing: make(map[string]bool),
	}
	e.SetSystemPrompt(systemPrompt)
	return e
}

// SetSystemPrompt atomically replaces the prompt prefix used for every
// subsequent turn. Safe to call concurrently with HandleTurn.
func (e *Engine) SetSystemPrompt(prompt string) {
	p := prompt
	e.systemPrompt.Store(&p)
}

// SystemPrompt returns the current prompt prefix.
func (e *Engine) SystemPrompt() string {
	if p := e.systemPrompt.Load(); p != nil {
		return *p
	}
	return ""
}

// HandleTurn runs one full conversation turn: it persists the user message,
// assembles a prompt, streams a reply from the LLM gateway, segments it by
// emotion, persists and emits each segment, and — if this pushes the
// conversation's uncovered message count over the threshold — kicks off a
// background summarization. It returns when the turn is complete, the
// caller cancels ctx, or emit returns an error (propagated to the caller,
// who is expected to tear the session down).
func (e *Engine) HandleTurn(ctx context.Context, convID, userText string, emit Emitter) error {
	window, err := e.store.LoadWindow(ctx, convID, e.cfg.MaxHistoryMessages)
	if err != nil {
		return fmt.Errorf("engine: load window: %w", err)
	}
	conv, err := e.store.Get(ctx, convID)
	if err != nil {
		return fmt.Errorf("engine: get conversation: %w", err)
	}
	if _, err := e.store.AppendMessage(ctx, convID, store.Message{Role: store.RoleUser, Content: userText}); err != nil {
		return fmt.Errorf("engine: append user message: %w", err)
	}

	passages, sources := e.retrieveContext(ctx, userText)
	messages := assemblePrompt(e.SystemPrompt(), conv.Summary, window, passages, userText)

	turnCtx, cancel := context.WithTimeout(llm.WithDebugDir(ctx, convID), e.cfg.TurnTimeout)
	defer cancel()

	chunkCh, err := e.llmClient.StreamChat(turnCtx, messages, llm.Params{MaxTokens: e.cfg.LLMMaxTokens})
	if err != nil {
		return e.emitTerminalError(ctx, convID, sources, emit)
	}

	chunkID := uuid.New().String()
	seg := newSegmenter()
	var pending *Segment
	var emittedAny bool

	flush := func(final bool) error {
		if pending == nil {
			return nil
		}
		s := pending
		pending = nil
		emittedAny = true
		if _, err := e.store.AppendMessage(ctx, convID, store.Message{
			Role:    store.RoleAssistant,
			Content: s.Text,
			Emotion: s.Emotion,
			ChunkID: chunkID,
			Sources: strings.Join(sources, ","),
		}); err != nil {
			return fmt.Errorf("engine: persist segment: %w", err)
		}
		return emit(wire.Outbound{
			Type:    wire.TypeMessage,
			Content: s.Text,
			Emotion: s.Emotion,
			ChunkID: chunkID,
			IsFinal: final,
			Metadata: &wire.Metadata{
				ConversationID: convID,
				Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
				Sources:        sources,
			},
		})
	}

loop:
	for {
		select {
		case <-turnCtx.Done():
			// Cancelled or timed out mid-stream: segments already flushed
			// stay persisted; an unflushed pending segment is dropped.
			if ctx.Err() == nil {
				// Our own deadline fired, not the caller's — surface it.
				return e.emitTerminalError(ctx, convID, sources, emit)
			}
			return turnCtx.Err()
		case chunk, ok := <-chunkCh:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				if err := flush(false); err != nil {
					return err
				}
				return e.emitTerminalError(ctx, convID, sources, emit)
			}
			if chunk.Text != "" {
				for _, completed := range seg.feed(chunk.Text) {
					if strings.TrimSpace(completed.Text) == "" {
						continue // empty segments are discarded
					}
					c := completed
					if err := flush(false); err != nil {
						return err
					}
					pending = &c
				}
			}
			if chunk.IsFinal {
				break loop
			}
		}
	}

	if last := seg.final(); last != nil && strings.TrimSpace(last.Text) != "" {
		if err := flush(false); err != nil {
			return err
		}
		pending = last
	}
	if pending == nil && !emittedAny {
		pending = &Segment{Text: fallbackSentence, Emotion: wire.EmotionNeutral}
	}
	if err := flush(true); err != nil {
		return err
	}

	e.maybeSummarize(convID)
	return nil
}

func (e *Engine) emitTerminalError(ctx context.Context, convID string, sources []string, emit Emitter) error {
	slog.Warn("turn ended in error", "conversation_id", convID)
	chunkID := uuid.New().String()
	if _, err := e.store.AppendMessage(ctx, convID, store.Message{
		Role:    store.RoleAssistant,
		Content: errorApology,
		Emotion: wire.EmotionConcerned,
		ChunkID: chunkID,
	}); err != nil {
		slog.Error("failed to persist error segment", "conversation_id", convID, "error", err)
	}
	return emit(wire.Outbound{
		Type:    wire.TypeMessage,
		Content: errorApology,
		Emotion: wire.EmotionConcerned,
		ChunkID: chunkID,
		IsFinal: true,
		Metadata: &wire.Metadata{
			ConversationID: convID,
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			Sources:        sources,
			ErrorCode:      wire.ErrInternal,
		},
	})
}

func (e *Engine) retrieveContext(ctx context.Context, query string) ([]retrieval.Passage, []string) {
	if e.retriever == nil {
		return nil, nil
	}
	passages, err := e.retriever.Query(ctx, query)
	if err != nil {
		slog.Warn("retrieval query failed, continuing without augmentation", "error", err)
		return nil, nil
	}
	seen := make(map[string]bool)
	var sources []string
	for _, p := range passages {
		if !seen[p.DocumentID] {
			seen[p.DocumentID] = true
			sources = append(sources, p.DocumentID)
		}
	}
	return passages, sources
}

// assemblePrompt builds the message list in the fixed order: system prompt,
// rolling summary, trailing history window, retrieved passages, new user
// message.
func assemblePrompt(systemPrompt, summary string, window []store.Message, passages []retrieval.Passage, userText string) []llm.Message {
	var msgs []llm.Message

	sys := systemPrompt
	if summary != "" {
		sys = strings.TrimSpace(sys + "\n\nConversation summary so far:\n" + summary)
	}
	if sys != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Text: sys})
	}

	for _, m := range window {
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Text: m.Content})
	}

	if len(passages) > 0 {
		var b strings.Builder
		b.WriteString("Relevant context, in descending order of relevance:\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "\n[%d] %s\n", i+1, p.Text)
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Text: b.String()})
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Text: userText})
	return msgs
}

// maybeSummarize triggers a background rolling summarization if convID has
// drifted past the configured threshold, guarded so at most one
// summarization per conversation runs at a time.
func (e *Engine) maybeSummarize(convID string) {
	n, err := e.store.UncoveredCount(context.Background(), convID)
	if err != nil {
		slog.Warn("uncovered count check failed", "conversation_id", convID, "error", err)
		return
	}
	if n <= e.cfg.SummaryThreshold {
		return
	}
	if !e.tryStartSummarize(convID) {
		return
	}
	go func() {
		defer e.finishSummarize(convID)
		if err := e.summarizeConversation(convID); err != nil {
			slog.Warn("summarization failed", "conversation_id", convID, "error", err)
		}
	}()
}

func (e *Engine) tryStartSummarize(convID string) bool {
	e.summarizeMu.Lock()
	defer e.summarizeMu.Unlock()
	if e.summarizing[convID] {
		return false
	}
	e.summarizing[convID] = true
	return true
}

func (e *Engine) finishSummarize(convID string) {
	e.summarizeMu.Lock()
	defer e.summarizeMu.Unlock()
	delete(e.summarizing, convID)
}

// summarizeConversation condenses every message up to (total - keep_tail)
// into a fresh rolling summary. If it's interrupted or superseded by a
// newer summary, the prior summary is left untouched.
func (e *Engine) summarizeConversation(convID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TurnTimeout)
	defer cancel()

	conv, err := e.store.Get(ctx, convID)
	if err != nil {
		return err
	}
	_, msgs, err := e.store.Export(ctx, convID)
	if err != nil {
		return err
	}
	if len(msgs) <= e.cfg.SummaryKeepTail {
		return nil
	}
	toCover := msgs[:len(msgs)-e.cfg.SummaryKeepTail]
	if len(toCover) == 0 {
		return nil
	}
	coveredUpto := toCover[len(toCover)-1].Seq
	if coveredUpto <= conv.SummaryCoveredUp {
		return nil
	}

	var b strings.Builder
	if conv.Summary != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(conv.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages to fold in:\n")
	for _, m := range toCover {
		if m.Seq <= conv.SummaryCoveredUp {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	prompt := []llm.Message{
		{Role: llm.RoleSystem, Text: "Produce a concise updated summary of the conversation so far, folding the existing summary and the new messages into one. Reply with only the summary text."},
		{Role: llm.RoleUser, Text: b.String()},
	}

	chunkCh, err := e.llmClient.StreamChat(ctx, prompt, llm.Params{MaxTokens: e.cfg.LLMMaxTokens})
	if err != nil {
		return err
	}
	var out strings.Builder
	for chunk := range chunkCh {
		if chunk.Err != nil {
			return chunk.Err
		}
		out.WriteString(chunk.Text)
	}

	summaryText := strings.TrimSpace(out.String())
	if summaryText == "" {
		return nil
	}

	err = e.store.UpdateSummary(ctx, convID, summaryText, coveredUpto)
	if errors.Is(err, store.ErrSummaryRegressed) {
		return nil
	}
	return err
}
