// Package summarize adapts text-generation providers to the single
// operation the digest composer needs.
package summarize

import (
	"context"
	"fmt"
	"strings"
)

// Request is one text-in/text-out generation call
type Request struct {
	Instructions string // style and tone directives
	Content      string // rendered activity or partial summaries
}

// Summarizer turns activity text into prose
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

// Error is a failed generation call
type Error struct {
	Provider   string
	StatusCode int
	Err        error
	retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("summarize: %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("summarize: %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the provider may answer on a later attempt
func (e *Error) Retryable() bool {
	return e.retryable
}

// Provider names accepted in configuration
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderNone   = "none"
)

// New builds the summarizer selected by cfg.Provider
func New(cfg Config) (Summarizer, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, ProviderOllama:
		return NewClient(cfg)
	case ProviderNone, "":
		return Extractive{}, nil
	default:
		return nil, fmt.Errorf("summarize: unknown provider %q", cfg.Provider)
	}
}

// Extractive is a deterministic summarizer that needs no remote model.
// It lists the first few change lines of the content.
type Extractive struct{}

const extractiveMaxItems = 5

// Summarize never fails
func (Extractive) Summarize(_ context.Context, req Request) (string, error) {
	var items []string
	total := 0
	for _, line := range strings.Split(req.Content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		total++
		if len(items) < extractiveMaxItems {
			items = append(items, strings.TrimPrefix(line, "- "))
		}
	}

	switch {
	case total == 0:
		return strings.TrimSpace(req.Content), nil
	case total == 1:
		return fmt.Sprintf("1 change: %s.", items[0]), nil
	case total > len(items):
		return fmt.Sprintf("%d changes, including: %s.", total, strings.Join(items, "; ")), nil
	default:
		return fmt.Sprintf("%d changes: %s.", total, strings.Join(items, "; ")), nil
	}
}
