package knowledge

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// chunkEncoding is the tokenizer used to measure chunk sizes. Sizes
// are configured in tokens, not bytes, so chunks line up with what
// embedding models actually consume.
const chunkEncoding = "cl100k_base"

// Chunker splits source text into token-bounded, overlapping windows.
type Chunker struct {
	size    int
	overlap int
	enc     *tiktoken.Tiktoken
}

// NewChunker creates a chunker with the given token size and overlap.
// overlap must be smaller than size.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1 token, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, size), got %d", overlap)
	}
	enc, err := tiktoken.GetEncoding(chunkEncoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", chunkEncoding, err)
	}
	return &Chunker{size: size, overlap: overlap, enc: enc}, nil
}

// Chunk splits text into windows of at most size tokens, each sharing
// overlap tokens with its predecessor. Whitespace-only input yields
// no chunks.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + c.size
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

// TokenCount returns the token length of text under the chunker's
// encoding.
func (c *Chunker) TokenCount(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
