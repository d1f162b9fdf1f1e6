package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, convID)

	conv, err := s.Get(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, convID, conv.ID)
	require.Equal(t, int64(0), conv.SummaryCoveredUp)
}

func TestGetUnknownConversationReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageAssignsIncreasingSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	seq1, err := s.AppendMessage(ctx, convID, Message{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	seq2, err := s.AppendMessage(ctx, convID, Message{Role: RoleAssistant, Content: "hi there"})
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)

	window, err := s.LoadWindow(ctx, convID, 10)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, "hello", window[0].Content)
	require.Equal(t, "hi there", window[1].Content)
}

func TestLoadWindowReturnsMostRecentInChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, convID, Message{Role: RoleUser, Content: string(rune('a' + i))})
		require.NoError(t, err)
	}

	window, err := s.LoadWindow(ctx, convID, 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, "d", window[0].Content)
	require.Equal(t, "e", window[1].Content)
}

func TestUpdateSummaryRejectsRegression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UpdateSummary(ctx, convID, "summary v1", 3))

	err = s.UpdateSummary(ctx, convID, "summary v0", 1)
	require.ErrorIs(t, err, ErrSummaryRegressed)

	require.NoError(t, s.UpdateSummary(ctx, convID, "summary v2", 5))
}

func TestDeleteRemovesConversationAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, convID, Message{Role: RoleUser, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, convID))

	_, err = s.Get(ctx, convID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExportRoundTripsOrderedMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	contents := []string{"one", "two", "three"}
	for _, c := range contents {
		_, err := s.AppendMessage(ctx, convID, Message{Role: RoleUser, Content: c})
		require.NoError(t, err)
	}

	_, msgs, err := s.Export(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, len(contents))
	for i, c := range contents {
		require.Equal(t, c, msgs[i].Content)
	}
}

func TestListOrdersByMostRecentlyUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	id2, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, id1, Message{Role: RoleUser, Content: "touch id1 last"})
	require.NoError(t, err)

	total, convs, err := s.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, id1, convs[0].ID)
	require.Equal(t, id2, convs[1].ID)
}
