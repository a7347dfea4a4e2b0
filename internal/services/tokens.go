package services

import (
	"context"
)

// TokenCounter measures text in the downstream consumer's tokens. Counts
// are taken once at ingestion and never recomputed.
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// CountFunc adapts a pure counting function to TokenCounter.
type CountFunc func(text string) int

func (f CountFunc) CountTokens(_ context.Context, text string) (int, error) {
	return f(text), nil
}

// DefaultBytesPerToken is the usual English-text ratio for BPE tokenizers.
const DefaultBytesPerToken = 4

// Estimator approximates tokens as ceil(utf8 bytes / BytesPerToken).
type Estimator struct {
	BytesPerToken int
}

func (e Estimator) CountTokens(_ context.Context, text string) (int, error) {
	return e.Estimate(text), nil
}

// Estimate is the pure form of CountTokens.
func (e Estimator) Estimate(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	d := e.BytesPerToken
	if d <= 0 {
		d = DefaultBytesPerToken
	}
	return (n + d - 1) / d
}
