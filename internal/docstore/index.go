// Package docstore indexes uploaded documents per session in an embedded
// vector store so document-search turns can retrieve relevant passages
// without an external database.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const (
	chunkTarget  = 1200 // runes per chunk before a paragraph break is forced
	chunkOverlap = 200  // trailing runes carried into the next chunk
)

// Embedder turns text into a vector. The llm client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
}

// Chunk is one scored passage returned by Search.
type Chunk struct {
	ID     string
	Source string
	URL    string
	Text   string
	Score  float32
}

type Index struct {
	mu          sync.Mutex
	db          *chromem.DB
	embeddingFn chromem.EmbeddingFunc
}

func New(embedder Embedder) *Index {
	return &Index{
		db: chromem.NewDB(),
		embeddingFn: func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		},
	}
}

// Attach chunks the document and indexes it under the session's collection.
// Re-attaching the same name replaces the earlier chunks. Returns the number
// of chunks indexed.
func (i *Index) Attach(ctx context.Context, session, name, text, sourceURL string) (int, error) {
	chunks := chunkText(text)
	if len(chunks) == 0 {
		return 0, errors.New("document contains no text")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	collection, err := i.db.GetOrCreateCollection(collectionName(session), nil, i.embeddingFn)
	if err != nil {
		return 0, fmt.Errorf("open document collection: %w", err)
	}
	if collection.Count() > 0 {
		// drop earlier chunks of the same document before re-adding
		if err := collection.Delete(ctx, map[string]string{"source": name}, nil); err != nil {
			return 0, fmt.Errorf("replace document %q: %w", name, err)
		}
	}
	for ordinal, chunk := range chunks {
		doc := chromem.Document{
			ID:      fmt.Sprintf("%s#%03d", name, ordinal),
			Content: chunk,
			Metadata: map[string]string{
				"source":  name,
				"url":     sourceURL,
				"ordinal": strconv.Itoa(ordinal),
			},
		}
		if err := collection.AddDocument(ctx, doc); err != nil {
			return 0, fmt.Errorf("index chunk %d of %q: %w", ordinal, name, err)
		}
	}
	return len(chunks), nil
}

// Search returns the topK most similar chunks for the session, fewer when
// the collection is smaller. A session without documents yields no results
// and no error.
func (i *Index) Search(ctx context.Context, session, query string, topK int) ([]Chunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}

	i.mu.Lock()
	collection := i.db.GetCollection(collectionName(session), i.embeddingFn)
	i.mu.Unlock()
	if collection == nil {
		return nil, nil
	}
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, Chunk{
			ID:     r.ID,
			Source: r.Metadata["source"],
			URL:    r.Metadata["url"],
			Text:   r.Content,
			Score:  r.Similarity,
		})
	}
	return chunks, nil
}

// Drop removes the session's collection. Dropping a session that never
// attached documents is a no-op.
func (i *Index) Drop(session string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.db.DeleteCollection(collectionName(session)); err != nil {
		log.Printf("event=docstore_drop_failed session=%s err=%v", session, err)
	}
}

func collectionName(session string) string {
	var b strings.Builder
	b.WriteString("docs-")
	for _, r := range session {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// chunkText splits on blank-line paragraph boundaries and packs paragraphs
// into chunks of roughly chunkTarget runes, seeding each chunk with the tail
// of the previous one so passages that straddle a boundary stay searchable.
// Paragraphs longer than the target are window-split on their own.
func chunkText(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var chunks []string
	var current strings.Builder
	currentRunes := 0

	flush := func(seedOverlap bool) {
		if current.Len() == 0 {
			return
		}
		prev := current.String()
		chunks = append(chunks, prev)
		current.Reset()
		currentRunes = 0
		if !seedOverlap {
			return
		}
		runes := []rune(prev)
		if len(runes) > chunkOverlap {
			tail := string(runes[len(runes)-chunkOverlap:])
			current.WriteString(tail)
			currentRunes = chunkOverlap
		}
	}

	for _, p := range paragraphs {
		plen := len([]rune(p))
		if plen > chunkTarget {
			flush(false)
			runes := []rune(p)
			step := chunkTarget - chunkOverlap
			for start := 0; start < len(runes); start += step {
				end := start + chunkTarget
				if end >= len(runes) {
					chunks = append(chunks, string(runes[start:]))
					break
				}
				chunks = append(chunks, string(runes[start:end]))
			}
			continue
		}
		if currentRunes > 0 && currentRunes+2+plen > chunkTarget {
			flush(true)
		}
		if currentRunes > 0 {
			current.WriteString("\n\n")
			currentRunes += 2
		}
		current.WriteString(p)
		currentRunes += plen
	}
	flush(false)
	return chunks
}
