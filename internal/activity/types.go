package activity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoActivity is returned by Collect when the provider answered
// successfully but nothing happened in the window. It is not a failure.
var ErrNoActivity = errors.New("activity: no activity in window")

// ErrWindowTooLarge means the window holds more changes than a provider is
// allowed to fetch. Returning a partial batch would let the watermark skip
// the rest, so the run fails instead.
var ErrWindowTooLarge = errors.New("activity: window exceeds fetch limit")

// Change is a single unit of source-control activity (a commit)
type Change struct {
	ID           string
	Title        string // first line of the message
	Message      string
	Author       string
	AuthorEmail  string
	AuthorHandle string
	URL          string
	Timestamp    time.Time
}

// Batch is the activity collected for one run
type Batch struct {
	ConfigurationID string
	Repository      string
	Branch          string
	Since           time.Time
	Until           time.Time
	Changes         []Change
}

// Len returns the number of changes in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Changes)
}

// Query scopes a provider fetch to a repository, branch and window
type Query struct {
	Repository string // owner/name
	Branch     string
	Since      time.Time
	Until      time.Time
}

// Provider fetches raw change activity. An empty slice with a nil error
// means the window was genuinely empty.
type Provider interface {
	FetchActivity(ctx context.Context, q Query) ([]Change, error)
}

// CollectionError is a failure to obtain activity
type CollectionError struct {
	Op         string
	StatusCode int
	Err        error
	retryable  bool
}

func (e *CollectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("activity: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("activity: %s: %v", e.Op, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
func (e *CollectionError) Retryable() bool {
	return e.retryable
}

// NewCollectionError builds a CollectionError. Providers other than the
// built-in GitHub one use it to classify their own failures.
func NewCollectionError(op string, statusCode int, err error, retryable bool) *CollectionError {
	return &CollectionError{
		Op:         op,
		StatusCode: statusCode,
		Err:        err,
		retryable:  retryable,
	}
}
