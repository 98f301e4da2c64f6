package agent

import (
	"context"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/calllog"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/ai"
)

// CallSummarizer produces a structured summary. *ai.Manager implements it.
type CallSummarizer interface {
	SummarizeCall(ctx context.Context, transcript string) (*ai.SummarizeResponse, error)
}

// Summarizer fills the summary stored with the call log
type Summarizer struct {
	ai CallSummarizer
}

// NewSummarizer creates a Summarizer
func NewSummarizer(s CallSummarizer) *Summarizer {
	return &Summarizer{ai: s}
}

func (s *Summarizer) Summarize(ctx context.Context, conversation string) (*calllog.Summary, error) {
	resp, err := s.ai.SummarizeCall(ctx, conversation)
	if err != nil {
		return nil, err
	}
	return &calllog.Summary{
		Text:      resp.Summary,
		Tags:      resp.Tags,
		KeyPoints: resp.KeyPoints,
		Sentiment: resp.Sentiment,
	}, nil
}
