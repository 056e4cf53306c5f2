package engine

import (
	"context"

	"github.com/genrelay/genrelay/internal/keypool"
	"github.com/genrelay/genrelay/internal/metrics"
	"github.com/genrelay/genrelay/internal/provider"
)

// OverloadedStreamMessage is the final fragment of a stream whose cascade
// exhausted every credential and fallback target. Streams never surface a
// raw error mid-conversation.
const OverloadedStreamMessage = "Sorry, the service is currently overloaded. Please try again."

// ItemKind discriminates the two things a stream consumer can receive.
type ItemKind int

const (
	// ItemFragment carries a piece of generated text.
	ItemFragment ItemKind = iota

	// ItemDiscard tells the consumer to drop everything received so far:
	// an attempt failed after partial output and a retry is starting.
	ItemDiscard
)

// StreamItem is one element of a streamed response. Consumers see only
// fragments and discards. Failed is set on the closing fragment when the
// cascade was exhausted, so callers that retry with a reshaped request can
// detect terminal failure without parsing the text.
type StreamItem struct {
	Kind   ItemKind
	Text   string
	Usage  *provider.TokenUsage
	Failed bool
}

// GenerateStream runs one streaming call through the cascade, returning a
// channel of items that closes when the stream is complete. A mid-stream
// failure after partial output emits a discard before the retry begins; a
// failure before any output retries silently. Exhaustion ends the stream
// with an apology fragment rather than an error. Cancellation closes the
// channel without a cooldown or an apology.
func (e *Engine) GenerateStream(ctx context.Context, target string, req provider.Request, bind Binding) <-chan StreamItem {
	out := make(chan StreamItem, 8)
	go func() {
		defer close(out)
		chain := e.Chain(target)
		pin := bind.cred

		for i, tgt := range chain {
			tried := make(map[string]struct{})
			for len(tried) < e.pool.Size() {
				cred, ok, err := e.pickCredential(ctx, tgt, tried, pin)
				if err != nil {
					return
				}
				if !ok {
					break
				}

				forwarded, err := e.streamOnce(ctx, tgt, cred, req, out)
				if err == nil {
					metrics.AttemptsTotal.WithLabelValues(tgt, "success").Inc()
					return
				}
				// Caller cancellation only; an upstream timeout with a
				// live context rotates like any other transient failure.
				if provider.IsCanceled(err) && ctx.Err() != nil {
					return
				}

				e.fail(tgt, cred, err)
				tried[cred.Secret()] = struct{}{}
				if !pin.IsZero() && pin.Secret() == cred.Secret() {
					pin = keypool.Credential{}
				}
				if forwarded > 0 {
					metrics.StreamDiscardsTotal.Inc()
					if !send(ctx, out, StreamItem{Kind: ItemDiscard}) {
						return
					}
				}
			}
			if i+1 < len(chain) {
				metrics.FallbacksTotal.WithLabelValues(tgt, chain[i+1]).Inc()
				e.log.Info("falling back", "from", tgt, "to", chain[i+1])
			}
		}

		metrics.ExhaustionsTotal.WithLabelValues(target).Inc()
		e.log.Error("stream exhausted all credentials and targets", "target", target)
		send(ctx, out, StreamItem{Kind: ItemFragment, Text: OverloadedStreamMessage, Failed: true})
	}()
	return out
}

// streamOnce runs a single (target, credential) streaming attempt,
// forwarding fragments to out. It returns how many fragments were
// forwarded and the error that ended the attempt, nil on clean completion.
func (e *Engine) streamOnce(ctx context.Context, tgt string, cred keypool.Credential, req provider.Request, out chan<- StreamItem) (int, error) {
	chunks, err := e.transport.Stream(ctx, tgt, cred.Secret(), req)
	if err != nil {
		return 0, err
	}

	forwarded := 0
	for chunk := range chunks {
		if chunk.Err != nil {
			return forwarded, chunk.Err
		}
		item := StreamItem{Kind: ItemFragment, Text: chunk.Text, Usage: chunk.Usage}
		if item.Text == "" && item.Usage == nil {
			continue
		}
		if !send(ctx, out, item) {
			return forwarded, ctx.Err()
		}
		if item.Text != "" {
			forwarded++
		}
	}
	return forwarded, nil
}

func send(ctx context.Context, out chan<- StreamItem, item StreamItem) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
