// Package search runs Reddit searches and yields matching submissions.
package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"reddit-notifier/pkg/notifier"
)

// Searcher runs one query against one subreddit target.
// The returned sequence is lazy, finite, and ordered newest first.
// A non-nil error is yielded at most once and ends the sequence.
type Searcher interface {
	Search(ctx context.Context, subreddits, query string) iter.Seq2[*notifier.Submission, error]
}

// Error reports a failed search. It is fatal to the current run.
type Error struct {
	Err        error
	Subreddits string
	Query      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("search r/%s for %q: %v", e.Subreddits, e.Query, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError indicates a non-OK response from Reddit.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// IsAuthError checks if an error is an HTTP 401 or 403 from Reddit.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// retryable reports whether a status code is worth another attempt.
func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
