package retrieval

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName pins the tokenizer used for chunk sizing. It does not need
// to match the configured LLM's own tokenizer exactly — it only needs to
// be stable across a deployment so chunk boundaries don't drift.
const encodingName = "cl100k_base"

// Chunker splits document text into overlapping token windows.
type Chunker struct {
	enc          *tiktoken.Tiktoken
	chunkTokens  int
	overlapTokens int
}

// NewChunker builds a Chunker with the given window and overlap sizes
// (in tokens).
func NewChunker(chunkTokens, overlapTokens int) (*Chunker, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("chunker: load encoding: %w", err)
	}
	if overlapTokens >= chunkTokens {
		return nil, fmt.Errorf("chunker: overlap (%d) must be smaller than chunk size (%d)", overlapTokens, chunkTokens)
	}
	return &Chunker{enc: enc, chunkTokens: chunkTokens, overlapTokens: overlapTokens}, nil
}

// ChunkText splits text into a sequence of overlapping windows, returned
// in document order. Only the chunk texts are returned; the token offset
// of each chunk within the document is not.
func (c *Chunker) ChunkText(text string) []string {
	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) == 0 {
		return nil
	}

	stride := c.chunkTokens - c.overlapTokens
	var chunks []string
	for start := 0; start < len(tokens); start += stride {
		end := start + c.chunkTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, c.enc.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
