package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"avatarbackend/internal/config"
	"avatarbackend/internal/llm"
	"avatarbackend/internal/retrieval"
	"avatarbackend/internal/store"
	"avatarbackend/internal/wire"

	"github.com/stretchr/testify/require"
)

// scriptedLLM replays a fixed sequence of text chunks for every call to
// StreamChat, ignoring the messages it was given.
type scriptedLLM struct {
	chunks []string
	err    error
}

func (f *scriptedLLM) StreamChat(ctx context.Context, _ []llm.Message, _ llm.Params) (<-chan llm.StreamChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.StreamChunk, len(f.chunks)+1)
	for i, c := range f.chunks {
		ch <- llm.StreamChunk{Text: c, IsFinal: i == len(f.chunks)-1}
	}
	close(ch)
	return ch, nil
}

func (f *scriptedLLM) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (f *scriptedLLM) IsTransientError(error) bool                      { return false }
func (f *scriptedLLM) Provider() string                                 { return "fake" }

func testConfig() *config.Config {
	return &config.Config{
		MaxHistoryMessages: 20,
		SummaryThreshold:   3,
		SummaryKeepTail:    2,
		LLMMaxTokens:       256,
		TurnTimeout:        5 * time.Second,
	}
}

func newTestEngine(t *testing.T, llmClient llm.Client) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	e := New(st, nil, llmClient, testConfig(), "You are a helpful assistant.")
	return e, st
}

func TestHandleTurnEmitsThreeEmotionSegments(t *testing.T) {
	fake := &scriptedLLM{chunks: []string{
		"Hi there. [[emotion:excited]]",
		"This is great!",
		"[[emotion:thoughtful]]But consider the tradeoffs.",
	}}
	e, st := newTestEngine(t, fake)
	ctx := context.Background()

	convID, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	var frames []wire.Outbound
	err = e.HandleTurn(ctx, convID, "hello", func(o wire.Outbound) error {
		frames = append(frames, o)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, frames, 3)
	require.Equal(t, "Hi there. ", frames[0].Content)
	require.Equal(t, wire.EmotionNeutral, frames[0].Emotion)
	require.False(t, frames[0].IsFinal)

	require.Equal(t, "This is great!", frames[1].Content)
	require.Equal(t, wire.EmotionExcited, frames[1].Emotion)
	require.False(t, frames[1].IsFinal)

	require.Equal(t, "But consider the tradeoffs.", frames[2].Content)
	require.Equal(t, wire.EmotionThoughtful, frames[2].Emotion)
	require.True(t, frames[2].IsFinal)

	for _, f := range frames {
		require.NotContains(t, f.Content, "[[emotion:")
		require.Equal(t, frames[0].ChunkID, f.ChunkID)
	}

	_, msgs, err := st.Export(ctx, convID)
	require.NoError(t, err)
	// user message + 3 assistant segments
	require.Len(t, msgs, 4)
}

func TestHandleTurnWhitespaceOnlyEmitsFallback(t *testing.T) {
	fake := &scriptedLLM{chunks: []string{"   ", "\n"}}
	e, st := newTestEngine(t, fake)
	ctx := context.Background()
	convID, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	var frames []wire.Outbound
	err = e.HandleTurn(ctx, convID, "hello", func(o wire.Outbound) error {
		frames = append(frames, o)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, fallbackSentence, frames[0].Content)
	require.True(t, frames[0].IsFinal)
}

func TestHandleTurnStopsEmittingOnFirstEmitError(t *testing.T) {
	fake := &scriptedLLM{chunks: []string{
		"segment one[[emotion:happy]]",
		"segment two",
	}}
	e, st := newTestEngine(t, fake)
	ctx := context.Background()
	convID, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	var calls int
	err = e.HandleTurn(ctx, convID, "hello", func(o wire.Outbound) error {
		calls++
		return context.Canceled
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)

	_, msgs, err := st.Export(ctx, convID)
	require.NoError(t, err)
	// user message + the one segment flushed before the emit failure aborted the turn
	require.Len(t, msgs, 2)
	require.Equal(t, "segment one", msgs[1].Content)
}

func TestHandleTurnLLMErrorEmitsTerminalApology(t *testing.T) {
	fake := &scriptedLLM{err: errBoom}
	e, st := newTestEngine(t, fake)
	ctx := context.Background()
	convID, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	var frames []wire.Outbound
	err = e.HandleTurn(ctx, convID, "hello", func(o wire.Outbound) error {
		frames = append(frames, o)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, wire.EmotionConcerned, frames[0].Emotion)
	require.True(t, frames[0].IsFinal)
	require.Equal(t, wire.TypeMessage, frames[0].Type)
}

func TestHandleTurnTriggersSummarizationPastThreshold(t *testing.T) {
	fake := &scriptedLLM{chunks: []string{"ok"}}
	e, st := newTestEngine(t, fake)
	ctx := context.Background()
	convID, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	emit := func(wire.Outbound) error { return nil }
	for i := 0; i < 3; i++ {
		require.NoError(t, e.HandleTurn(ctx, convID, "hello", emit))
	}

	require.Eventually(t, func() bool {
		conv, err := st.Get(ctx, convID)
		require.NoError(t, err)
		return conv.SummaryCoveredUp > 0
	}, time.Second, 10*time.Millisecond)
}

func TestAssemblePromptOrdering(t *testing.T) {
	window := []store.Message{{Role: store.RoleUser, Content: "earlier question"}}
	passages := []retrieval.Passage{{Text: "fact one", DocumentID: "doc.txt"}}

	msgs := assemblePrompt("system prompt text", "prior summary", window, passages, "new question")

	var order []string
	for _, m := range msgs {
		order = append(order, m.Text)
	}
	joined := strings.Join(order, "|")
	require.True(t, strings.Index(joined, "system prompt text") < strings.Index(joined, "prior summary"))
	require.True(t, strings.Index(joined, "prior summary") < strings.Index(joined, "earlier question"))
	require.True(t, strings.Index(joined, "earlier question") < strings.Index(joined, "fact one"))
	require.True(t, strings.Index(joined, "fact one") < strings.Index(joined, "new question"))
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
