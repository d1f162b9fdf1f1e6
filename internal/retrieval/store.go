// Package retrieval implements the embedded vector index over an
// on-disk documents folder: chunking, embedding, cosine-similarity
// search, and admin-driven add/delete/reload.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Embedder is the subset of llm.Client the retrieval store depends on.
// Kept as a narrow local interface so this package does not need to
// import the full llm.Client surface (streaming chat, providers, etc).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one ingested source file.
type Document struct {
	ID        string    `db:"id"`
	Path      string    `db:"path"`
	Hash      string    `db:"hash"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Passage is one ranked result returned by Query.
type Passage struct {
	Text       string
	DocumentID string
	Score      float32
}

type chunkRow struct {
	ID         string `db:"id"`
	DocumentID string `db:"document_id"`
	Idx        int    `db:"idx"`
	Text       string `db:"text"`
	Embedding  string `db:"embedding"` // json-encoded []float32
}

// indexedChunk is the in-memory, query-optimized projection of chunkRow.
type indexedChunk struct {
	documentID string
	idx        int
	text       string
	embedding  []float32
}

// Store is the embedded vector index. Writer operations (add/delete/
// reload) are serialized by writeMu; queries read an immutable snapshot
// swapped in atomically after each successful write, so queries never
// block behind a writer (RCU-style).
type Store struct {
	db       *sqlx.DB
	embedder Embedder
	chunker  *Chunker
	docsDir  string
	topK     int
	minScore float32

	writeMu sync.Mutex
	view    atomic.Pointer[[]indexedChunk]
}

// Open creates (if needed) the metadata schema at dsn and returns a Store
// over docsDir. The Store does not watch docsDir itself; the folder is
// only read when Reload is called.
func Open(dsn, docsDir string, embedder Embedder, chunkTokens, overlapTokens, topK int, minScore float64) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("retrieval: connect: %w", err)
	}
	db.SetMaxOpenConns(1)

	chunker, err := NewChunker(chunkTokens, overlapTokens)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		chunker:  chunker,
		docsDir:  docsDir,
		topK:     topK,
		minScore: float32(minScore),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadView(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	hash TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	idx INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedding TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(document_id, idx);
`)
	if err != nil {
		return fmt.Errorf("retrieval: migrate: %w", err)
	}
	return nil
}

// loadView rebuilds the in-memory read snapshot from the database. Only
// called at startup and after each write, which already holds writeMu.
func (s *Store) loadView() error {
	var rows []chunkRow
	if err := s.db.Select(&rows, `SELECT * FROM chunks ORDER BY document_id, idx`); err != nil {
		return fmt.Errorf("retrieval: load view: %w", err)
	}
	chunks := make([]indexedChunk, 0, len(rows))
	for _, r := range rows {
		var vec []float32
		if err := json.UnmarshalFromString(r.Embedding, &vec); err != nil {
			return fmt.Errorf("retrieval: decode embedding for chunk %s: %w", r.ID, err)
		}
		chunks = append(chunks, indexedChunk{documentID: r.DocumentID, idx: r.Idx, text: r.Text, embedding: vec})
	}
	s.view.Store(&chunks)
	return nil
}

// AddDocument extracts, chunks, and embeds a document's content,
// replacing any chunks from a prior ingest of the same id atomically:
// old chunks remain queryable until the new ones are committed.
func (s *Store) AddDocument(ctx context.Context, docID string, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	text := string(data) // text extraction for office formats is a black-box utility, out of scope here
	hash := contentHash(data)
	chunks := s.chunker.ChunkText(text)

	rows := make([]chunkRow, 0, len(chunks))
	for i, chunkText := range chunks {
		vec, err := s.embedder.Embed(ctx, chunkText)
		if err != nil {
			return fmt.Errorf("retrieval: embed chunk %d of %s: %w", i, docID, err)
		}
		encoded, err := json.MarshalToString(vec)
		if err != nil {
			return fmt.Errorf("retrieval: encode embedding: %w", err)
		}
		rows = append(rows, chunkRow{
			ID:         fmt.Sprintf("%s:%d", docID, i),
			DocumentID: docID,
			Idx:        i,
			Text:       chunkText,
			Embedding:  encoded,
		})
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("retrieval: add document: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("retrieval: add document: clear old chunks: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, idx, text, embedding) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.DocumentID, r.Idx, r.Text, r.Embedding); err != nil {
			return fmt.Errorf("retrieval: add document: insert chunk: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, path, hash, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
		docID, docID, hash, now)
	if err != nil {
		return fmt.Errorf("retrieval: add document: upsert metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("retrieval: add document: commit: %w", err)
	}

	return s.loadView()
}

// DeleteDocument removes all chunks and metadata for docID.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("retrieval: delete document: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("retrieval: delete document: chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		return fmt.Errorf("retrieval: delete document: metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("retrieval: delete document: commit: %w", err)
	}

	return s.loadView()
}

// ListDocuments returns every currently-indexed document.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := s.db.SelectContext(ctx, &docs, `SELECT * FROM documents ORDER BY path`); err != nil {
		return nil, fmt.Errorf("retrieval: list documents: %w", err)
	}
	return docs, nil
}

// Reload re-scans the documents folder: files present but not indexed
// are ingested, files indexed but missing on disk are deleted, and
// changed files are re-ingested. It is idempotent — calling it twice
// with no filesystem changes touches no rows and re-embeds nothing.
func (s *Store) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(s.docsDir)
	if err != nil {
		return fmt.Errorf("retrieval: reload: read dir: %w", err)
	}

	onDisk := make(map[string][]byte)
	unreadable := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.docsDir, e.Name()))
		if err != nil {
			slog.Warn("retrieval: failed to read document, leaving index entry untouched", "document", e.Name(), "error", err)
			unreadable[e.Name()] = true
			continue
		}
		onDisk[e.Name()] = data
	}

	existing, err := s.ListDocuments(ctx)
	if err != nil {
		return err
	}
	existingHash := make(map[string]string, len(existing))
	for _, d := range existing {
		existingHash[d.ID] = d.Hash
	}

	var ingestErrs []error
	for name, data := range onDisk {
		hash := contentHash(data)
		if existingHash[name] == hash {
			continue // unchanged, skip re-embedding
		}
		if err := s.AddDocument(ctx, name, data); err != nil {
			slog.Warn("retrieval: failed to ingest document, leaving rest of index untouched", "document", name, "error", err)
			ingestErrs = append(ingestErrs, fmt.Errorf("ingest %s: %w", name, err))
		}
	}

	var purgeErrs []error
	for name := range existingHash {
		if _, present := onDisk[name]; !present && !unreadable[name] {
			if err := s.DeleteDocument(ctx, name); err != nil {
				purgeErrs = append(purgeErrs, fmt.Errorf("purge %s: %w", name, err))
			}
		}
	}

	if len(ingestErrs) > 0 || len(purgeErrs) > 0 {
		return fmt.Errorf("retrieval: reload: %w", errors.Join(append(ingestErrs, purgeErrs...)...))
	}
	return nil
}

// Query returns up to topK passages ranked by cosine similarity to text,
// ties broken by document id then chunk index ascending. Passages below
// the configured floor score are omitted.
func (s *Store) Query(ctx context.Context, text string) ([]Passage, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("retrieval: query embed: %w", err)
	}

	snapshot := s.view.Load()
	if snapshot == nil || len(*snapshot) == 0 {
		return nil, nil
	}

	type scored struct {
		indexedChunk
		score float32
	}
	candidates := make([]scored, 0, len(*snapshot))
	for _, c := range *snapshot {
		candidates = append(candidates, scored{indexedChunk: c, score: cosineSimilarity(vec, c.embedding)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].documentID != candidates[j].documentID {
			return candidates[i].documentID < candidates[j].documentID
		}
		return candidates[i].idx < candidates[j].idx
	})

	var out []Passage
	for _, c := range candidates {
		if len(out) >= s.topK {
			break
		}
		if c.score < s.minScore {
			continue
		}
		out = append(out, Passage{Text: c.text, DocumentID: c.documentID, Score: c.score})
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cosineSimilarity is hand-rolled rather than pulled from a library: no
// example in this codebase's dependency pool pairs a vector-similarity
// helper with an embedded (as opposed to externally-hosted) index.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
