// Package chunker slices plaintext into overlapping windows for embedding.
// Indices are stable for a given (memory id, plaintext digest), so re-runs
// upsert the same points.
package chunker

import (
	"strings"
)

const (
	// WindowTokens is the maximum whitespace-token count per chunk.
	WindowTokens = 512
	// OverlapTokens is the carry-over between adjacent chunks.
	OverlapTokens = 64
)

// Chunk is one embedding unit.
type Chunk struct {
	Index int
	Text  string
}

// Split tokenizes by whitespace and windows the tokens. The final chunk may
// be short; empty input yields no chunks.
func Split(text string) []Chunk {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	stride := WindowTokens - OverlapTokens
	var chunks []Chunk
	for start, idx := 0, 0; start < len(tokens); start, idx = start+stride, idx+1 {
		end := start + WindowTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, Chunk{
			Index: idx,
			Text:  strings.Join(tokens[start:end], " "),
		})
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
