package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ExtractiveSummarizer builds a summary from the entries' own text: the most
// accessed entries first, each excerpt truncated to fit MaxLength.
type ExtractiveSummarizer struct {
	// MaxLength bounds the summary in bytes. Default: 2000.
	MaxLength int

	// MaxEntries bounds how many entries are quoted. Default: 10.
	MaxEntries int
}

// Summarize never fails for a non-empty entry list.
func (s ExtractiveSummarizer) Summarize(_ context.Context, topic string, entries []ScoredEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: nothing to summarize for topic %q", ErrInvariantViolation, topic)
	}

	maxLen := s.MaxLength
	if maxLen <= 0 {
		maxLen = 2000
	}
	maxEntries := s.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10
	}

	ordered := make([]ScoredEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].AccessCount != ordered[j].AccessCount {
			return ordered[i].AccessCount > ordered[j].AccessCount
		}
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	quoted := ordered
	if len(quoted) > maxEntries {
		quoted = quoted[:maxEntries]
	}

	header := fmt.Sprintf("[%s] %d entries", topic, len(entries))
	perEntry := (maxLen - len(header)) / len(quoted)
	if perEntry < 40 {
		perEntry = 40
	}

	parts := []string{header}
	for _, e := range quoted {
		text := strings.Join(strings.Fields(e.Content), " ")
		if text == "" {
			continue
		}
		parts = append(parts, "- "+truncate(text, perEntry-2))
	}
	if rest := len(entries) - len(quoted); rest > 0 {
		parts = append(parts, fmt.Sprintf("(+%d more)", rest))
	}

	return truncate(strings.Join(parts, "\n"), maxLen), nil
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
