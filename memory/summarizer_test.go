package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractiveSummarizer(t *testing.T) {
	entries := []ScoredEntry{
		{ID: "1", Content: "rarely read", AccessCount: 0, CreatedAt: epoch},
		{ID: "2", Content: "often   read\nnote", AccessCount: 5, CreatedAt: epoch},
	}

	text, err := ExtractiveSummarizer{}.Summarize(context.Background(), "ops", entries)
	require.NoError(t, err)

	lines := strings.Split(text, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[ops] 2 entries", lines[0])
	assert.Equal(t, "- often read note", lines[1], "most accessed first, whitespace collapsed")
	assert.Equal(t, "- rarely read", lines[2])
}

func TestExtractiveSummarizer_Bounds(t *testing.T) {
	var entries []ScoredEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, ScoredEntry{Content: strings.Repeat("word ", 100)})
	}

	text, err := ExtractiveSummarizer{MaxLength: 300, MaxEntries: 2}.Summarize(context.Background(), "t", entries)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(text), 300)
	assert.Contains(t, text, "[t] 5 entries")
}

func TestExtractiveSummarizer_MoreLine(t *testing.T) {
	entries := make([]ScoredEntry, 4)
	for i := range entries {
		entries[i] = ScoredEntry{Content: "x"}
	}
	text, err := ExtractiveSummarizer{MaxEntries: 3}.Summarize(context.Background(), "t", entries)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(text, "(+1 more)"))
}

func TestExtractiveSummarizer_Empty(t *testing.T) {
	_, err := ExtractiveSummarizer{}.Summarize(context.Background(), "t", nil)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "...", truncate("abcdef", 2))
}
