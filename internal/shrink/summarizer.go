package shrink

import (
	"context"
	"fmt"

	"github.com/genrelay/genrelay/internal/engine"
	"github.com/genrelay/genrelay/internal/provider"
)

// Summarizer condenses one block of text toward a character target.
type Summarizer interface {
	Summarize(ctx context.Context, label, content string, targetChars int) (string, error)
}

const summarySystemPrompt = "You condense context for another language model. " +
	"Preserve concrete facts, identifiers, and decisions. Drop pleasantries and repetition. " +
	"Reply with the condensed text only."

// EngineSummarizer summarizes through the same cascade as regular calls,
// addressed at a cheaper target so compaction does not compete with the
// request it is trying to rescue.
type EngineSummarizer struct {
	eng    *engine.Engine
	target string
}

// NewEngineSummarizer creates a summarizer backed by eng calling target.
func NewEngineSummarizer(eng *engine.Engine, target string) *EngineSummarizer {
	return &EngineSummarizer{eng: eng, target: target}
}

// Summarize implements Summarizer.
func (s *EngineSummarizer) Summarize(ctx context.Context, label, content string, targetChars int) (string, error) {
	name := label
	if name == "" {
		name = "context"
	}
	req := provider.Request{
		System: summarySystemPrompt,
		Parts: []string{fmt.Sprintf(
			"Condense the following %s to at most %d characters:\n\n%s",
			name, targetChars, content,
		)},
	}
	resp, _, err := s.eng.Generate(ctx, s.target, req, engine.Binding{})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
