// Package store persists sources and their embedded chunks and answers
// hybrid and vector-only queries over completed sources.
package store

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xhad/ctxrag/internal/models"
)

const DefaultSearchLanguage = "english"

func newID() string {
	return uuid.NewString()
}

func notFound(id string) error {
	return fmt.Errorf("%w: source %s", models.ErrNotFound, id)
}

func invalidTransition(id string, from, to models.Status) error {
	return fmt.Errorf("%w: source %s cannot move from %s to %s", models.ErrInvalidTransition, id, from, to)
}

func languageMismatch(requested, configured string) error {
	return fmt.Errorf("%w: search language %q does not match the index language %q", models.ErrConfigMismatch, requested, configured)
}

// checkStatusUpdate restricts direct status writes to processing and failed.
// Completion goes through CommitChunks and pending through ResetSource.
func checkStatusUpdate(update models.StatusUpdate) error {
	switch update.Status {
	case models.StatusProcessing, models.StatusFailed:
		return nil
	case models.StatusCompleted:
		return fmt.Errorf("%w: sources complete only by committing their chunks", models.ErrValidation)
	case models.StatusPending:
		return fmt.Errorf("%w: sources return to pending only through a reset", models.ErrValidation)
	}
	return fmt.Errorf("%w: unknown status %q", models.ErrValidation, update.Status)
}

func errorMessage(update models.StatusUpdate) *string {
	if update.Status != models.StatusFailed {
		return nil
	}
	msg := sanitizeUTF8(update.ErrorMessage)
	if strings.TrimSpace(msg) == "" {
		msg = "ingestion failed"
	}
	return &msg
}

func resettable(s models.Status) bool {
	for _, from := range models.ResettableFrom() {
		if s == from {
			return true
		}
	}
	return false
}

// prepareChunks validates a chunk set and fills identity fields.
func prepareChunks(sourceID string, chunks []models.Chunk, vectorDim int) ([]models.Chunk, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: a source must commit at least one chunk", models.ErrValidation)
	}

	now := time.Now().UTC()
	seen := make(map[int]bool, len(chunks))
	out := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		if seen[c.ChunkIndex] {
			return nil, fmt.Errorf("%w: duplicate chunk index %d", models.ErrPersistence, c.ChunkIndex)
		}
		seen[c.ChunkIndex] = true

		if len(c.Embedding) == 0 {
			return nil, fmt.Errorf("%w: chunk %d has no embedding", models.ErrValidation, c.ChunkIndex)
		}
		if vectorDim > 0 && len(c.Embedding) != vectorDim {
			return nil, fmt.Errorf("%w: chunk %d has %d dimensions, store expects %d",
				models.ErrConfigMismatch, c.ChunkIndex, len(c.Embedding), vectorDim)
		}

		if c.ID == "" {
			c.ID = newID()
		}
		c.SourceID = sourceID
		c.Content = sanitizeUTF8(c.Content)
		c.ContentForSearch = sanitizeUTF8(c.ContentForSearch)
		if c.ContentForSearch == "" {
			c.ContentForSearch = models.ContentForSearch(c.Context, c.Content)
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		out[i] = c
	}
	return out, nil
}

// sanitizeUTF8 drops invalid bytes, which Postgres text columns reject.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
