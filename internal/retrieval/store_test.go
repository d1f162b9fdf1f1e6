package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns a deterministic low-dimensional vector derived
// from word overlap with a fixed vocabulary, good enough to exercise
// ranking without a network call.
type fakeEmbedder struct {
	vocab []string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vocab: []string{"paris", "france", "berlin", "germany", "capital"}}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(f.vocab))
	for i, w := range f.vocab {
		if strings.Contains(lower, w) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(":memory:", dir, newFakeEmbedder(), 500, 50, 4, 0.5)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestAddDocumentThenQueryReturnsPassage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddDocument(ctx, "docA.txt", []byte("Paris is the capital of France")))
	require.NoError(t, s.AddDocument(ctx, "docB.txt", []byte("Berlin is the capital of Germany")))

	passages, err := s.Query(ctx, "capital of France?")
	require.NoError(t, err)
	require.NotEmpty(t, passages)

	var sawA, sawB bool
	for _, p := range passages {
		if p.DocumentID == "docA.txt" {
			sawA = true
		}
		if p.DocumentID == "docB.txt" {
			sawB = true
		}
	}
	require.True(t, sawA, "expected docA.txt among results")
	require.False(t, sawB, "docB.txt should fall below the score floor for a France query")
}

func TestAddDocumentReplacesOldChunksAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddDocument(ctx, "doc.txt", []byte("capital of France is Paris")))
	require.NoError(t, s.AddDocument(ctx, "doc.txt", []byte("capital of Germany is Berlin")))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	passages, err := s.Query(ctx, "Germany")
	require.NoError(t, err)
	for _, p := range passages {
		require.NotContains(t, p.Text, "France")
	}
}

func TestDeleteDocumentRemovesItFromQueries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddDocument(ctx, "doc.txt", []byte("capital of France is Paris")))
	require.NoError(t, s.DeleteDocument(ctx, "doc.txt"))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)

	passages, err := s.Query(ctx, "capital of France")
	require.NoError(t, err)
	require.Empty(t, passages)
}

func TestReloadIsIdempotentWithNoChanges(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("capital of France is Paris"), 0644))
	require.NoError(t, s.Reload(ctx))

	docsAfterFirst, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docsAfterFirst, 1)
	hashAfterFirst := docsAfterFirst[0].Hash

	require.NoError(t, s.Reload(ctx))
	docsAfterSecond, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docsAfterSecond, 1)
	require.Equal(t, hashAfterFirst, docsAfterSecond[0].Hash)
}

func TestReloadIngestsNewAndPurgesRemoved(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("capital of France is Paris"), 0644))
	require.NoError(t, s.Reload(ctx))

	require.NoError(t, os.Remove(path))
	require.NoError(t, s.Reload(ctx))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)
}
