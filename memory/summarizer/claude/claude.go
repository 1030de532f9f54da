// Package claude summarizes pruned cache entries with the Anthropic
// Messages API. It implements memory.Summarizer.
package claude

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog/log"

	"github.com/becomeliminal/aletheia/memory"
)

// DefaultModel is a small, fast model; summaries are short.
const DefaultModel = string(anthropic.ModelClaudeHaiku4_5)

const (
	defaultMaxTokens  = 512
	defaultInputBytes = 16000
)

const systemPrompt = `You condense an agent's working memory. You receive entries recorded under one topic.
Write a factual summary of at most five sentences that keeps decisions, accepted and rejected ideas, and open questions.
Do not invent facts. Reply with the summary text only.`

// Summarizer calls Claude to write a summary of a topic's entries.
type Summarizer struct {
	client     *anthropic.Client
	model      string
	maxTokens  int64
	inputBytes int
}

// Option configures the summarizer.
type Option func(*Summarizer)

// WithModel selects the model.
func WithModel(model string) Option {
	return func(s *Summarizer) {
		if model != "" {
			s.model = model
		}
	}
}

// WithMaxTokens bounds the summary length.
func WithMaxTokens(n int64) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithInputBytes bounds how much entry text is sent per request.
func WithInputBytes(n int) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.inputBytes = n
		}
	}
}

// New creates a summarizer on the given client.
func New(client *anthropic.Client, opts ...Option) *Summarizer {
	s := &Summarizer{
		client:     client,
		model:      DefaultModel,
		maxTokens:  defaultMaxTokens,
		inputBytes: defaultInputBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize asks the model for a summary of entries.
func (s *Summarizer) Summarize(ctx context.Context, topic string, entries []memory.ScoredEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: nothing to summarize for topic %q", memory.ErrInvariantViolation, topic)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(s.prompt(topic, entries))),
		},
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	summary := strings.TrimSpace(text.String())
	if summary == "" {
		return "", errors.New("claude returned no text")
	}

	log.Debug().
		Str("topic", topic).
		Int("entries", len(entries)).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Msg("claude_summary_created")
	return summary, nil
}

// prompt lists entries most accessed first until the input budget is spent.
func (s *Summarizer) prompt(topic string, entries []memory.ScoredEntry) string {
	ordered := make([]memory.ScoredEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].AccessCount > ordered[j].AccessCount
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nEntries (%d):\n", topic, len(entries))
	for i, e := range ordered {
		line := fmt.Sprintf("%d. [%s, accessed %d times] %s\n",
			i+1, e.CreatedAt.Format("2006-01-02"), e.AccessCount, strings.Join(strings.Fields(e.Content), " "))
		if b.Len()+len(line) > s.inputBytes {
			fmt.Fprintf(&b, "(%d more entries omitted)\n", len(ordered)-i)
			break
		}
		b.WriteString(line)
	}
	return b.String()
}
