// Package shrink retries exhausted generation calls with a progressively
// compacted context. Oversized prompt blocks are summarized between
// attempts, falling back to head/tail truncation when summarization
// itself is unavailable. Callers always receive a structured result; an
// exhausted cascade degrades to an apology, never a raw error.
package shrink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/genrelay/genrelay/internal/engine"
	"github.com/genrelay/genrelay/internal/metrics"
	"github.com/genrelay/genrelay/internal/provider"
)

// DegradedMessage is returned as the response text when every attempt,
// including the compacted retries, exhausted the cascade.
const DegradedMessage = "Sorry, the service is currently experiencing high load. Please try again shortly."

// TruncationMarker separates the kept head and tail of a block that had
// to be cut without summarization.
const TruncationMarker = "\n...\n[Content Truncated]\n...\n"

const (
	defaultMaxAttempts = 3
	defaultTargetChars = 2000
)

// Block is one labeled piece of prompt context. TargetChars is the size
// the block is compacted toward on retry; zero takes the policy default.
type Block struct {
	Label       string
	Content     string
	TargetChars int
}

// Config tunes the retry policy.
type Config struct {
	// MaxAttempts caps the total number of generation attempts,
	// the first uncompacted one included.
	MaxAttempts int

	// TargetChars is the compaction target for blocks that do not set
	// their own.
	TargetChars int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.TargetChars <= 0 {
		c.TargetChars = defaultTargetChars
	}
	return c
}

// Result is the outcome of a policy run.
type Result struct {
	Response provider.Response
	Binding  engine.Binding
	Attempts int

	// Degraded is set when every attempt exhausted the cascade and
	// Response carries the apology text instead of generated output.
	Degraded bool
}

// Policy wraps an engine with compact-and-retry behavior.
type Policy struct {
	eng *engine.Engine
	sum Summarizer
	cfg Config
	log *slog.Logger
}

// NewPolicy creates a policy. A nil summarizer skips straight to
// truncation; a nil logger discards output.
func NewPolicy(eng *engine.Engine, sum Summarizer, cfg Config, log *slog.Logger) *Policy {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Policy{eng: eng, sum: sum, cfg: cfg.withDefaults(), log: log}
}

// Run performs a unary generation with up to MaxAttempts tries, compacting
// blocks between attempts. Only cascade exhaustion triggers a retry;
// cancellation propagates as an error. When the final attempt is also
// exhausted the result is degraded rather than an error.
func (p *Policy) Run(ctx context.Context, target, system string, blocks []Block, bind engine.Binding) (Result, error) {
	current := blocks
	for attempt := 1; ; attempt++ {
		req := buildRequest(system, current)
		resp, newBind, err := p.eng.Generate(ctx, target, req, bind)
		if err == nil {
			return Result{Response: resp, Binding: newBind, Attempts: attempt}, nil
		}
		if !provider.IsExhausted(err) {
			return Result{Attempts: attempt}, err
		}
		if attempt >= p.cfg.MaxAttempts {
			p.log.Error("all attempts exhausted, degrading", "target", target, "attempts", attempt, "error", err)
			return Result{
				Response: provider.Response{Text: DegradedMessage},
				Attempts: attempt,
				Degraded: true,
			}, nil
		}
		p.log.Warn("cascade exhausted, compacting context for retry", "target", target, "attempt", attempt)
		metrics.ShrinkRetriesTotal.Inc()
		current = p.compact(ctx, current)
	}
}

// RunStream performs a streaming generation with the same retry policy.
// The engine's terminal failure fragment is intercepted between attempts:
// consumers see a discard (when partial output was forwarded) and then the
// retry's fragments. Only the final attempt's failure reaches the consumer.
func (p *Policy) RunStream(ctx context.Context, target, system string, blocks []Block, bind engine.Binding) <-chan engine.StreamItem {
	out := make(chan engine.StreamItem, 8)
	go func() {
		defer close(out)
		current := blocks
		for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
			req := buildRequest(system, current)
			forwarded := 0
			failed := false
			for item := range p.eng.GenerateStream(ctx, target, req, bind) {
				if item.Failed && attempt < p.cfg.MaxAttempts {
					failed = true
					break
				}
				if !forward(ctx, out, item) {
					return
				}
				switch item.Kind {
				case engine.ItemDiscard:
					forwarded = 0
				case engine.ItemFragment:
					if item.Text != "" {
						forwarded++
					}
				}
			}
			if !failed {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if forwarded > 0 {
				if !forward(ctx, out, engine.StreamItem{Kind: engine.ItemDiscard}) {
					return
				}
			}
			p.log.Warn("stream exhausted, compacting context for retry", "target", target, "attempt", attempt)
			metrics.ShrinkRetriesTotal.Inc()
			current = p.compact(ctx, current)
		}
	}()
	return out
}

// compact returns a copy of blocks with every oversized block reduced
// toward its target size. A block within 120% of its target is left
// alone. Summarization failures fall back to marked truncation so a
// retry always goes out with a smaller payload.
func (p *Policy) compact(ctx context.Context, blocks []Block) []Block {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b
		target := b.TargetChars
		if target <= 0 {
			target = p.cfg.TargetChars
		}
		if len(b.Content) <= target+target/5 {
			continue
		}
		if p.sum != nil {
			sum, err := p.sum.Summarize(ctx, b.Label, b.Content, target)
			if err == nil && strings.TrimSpace(sum) != "" {
				out[i].Content = sum
				continue
			}
			if err != nil {
				p.log.Warn("summarization failed, truncating block", "label", b.Label, "error", err)
			}
		}
		out[i].Content = Truncate(b.Content, target)
	}
	return out
}

// Truncate cuts s to roughly target characters, keeping the head and tail
// around an explicit marker. Cuts land on rune boundaries so the result is
// always valid UTF-8.
func Truncate(s string, target int) string {
	if target <= 0 || len(s) <= target {
		return s
	}
	head := target / 2
	tailStart := len(s) - (target - head)
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	for tailStart < len(s) && !utf8.RuneStart(s[tailStart]) {
		tailStart++
	}
	return s[:head] + TruncationMarker + s[tailStart:]
}

func buildRequest(system string, blocks []Block) provider.Request {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Content == "" {
			continue
		}
		if b.Label != "" {
			parts = append(parts, fmt.Sprintf("## %s\n%s", b.Label, b.Content))
		} else {
			parts = append(parts, b.Content)
		}
	}
	return provider.Request{System: system, Parts: parts}
}

func forward(ctx context.Context, out chan<- engine.StreamItem, item engine.StreamItem) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
