package chunker

import (
	"errors"
	"fmt"
)

var ErrInvalidChunkConfig = errors.New("invalid chunk config")

// Chunk splits text into windows of size characters, each starting
// size-overlap characters after the previous one. The last window ends at
// the end of the text and may be shorter than size. Text shorter than size
// is returned as a single chunk; empty text yields no chunks.
//
// Lengths are counted in runes so multi-byte characters are never split.
func Chunk(text string, size, overlap int) ([]string, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	chunks := make([]string, 0, Count(len(runes), size, overlap))
	for start := 0; ; start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks, nil
}

// Validate rejects configurations that would loop forever or skip text.
func Validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidChunkConfig, size)
	}
	if overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidChunkConfig, overlap)
	}
	if overlap >= size {
		return fmt.Errorf("%w: overlap %d must be smaller than size %d", ErrInvalidChunkConfig, overlap, size)
	}
	return nil
}

// Count returns how many chunks Chunk produces for n characters.
func Count(n, size, overlap int) int {
	if n <= 0 || size <= overlap {
		return 0
	}
	if n <= size {
		return 1
	}
	step := size - overlap
	return 1 + (n-size+step-1)/step
}

// Chunker binds a validated size and overlap.
type Chunker struct {
	size    int
	overlap int
}

func New(size, overlap int) (*Chunker, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Chunk(text string) ([]string, error) {
	return Chunk(text, c.size, c.overlap)
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }
