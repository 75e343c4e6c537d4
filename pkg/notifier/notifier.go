// Package notifier contains the core domain types for the Reddit search notification service.
package notifier

import (
	"strings"
	"time"
)

// Submission represents a single Reddit submission returned by a search.
type Submission struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Permalink  string  `json:"permalink"`   // Relative path, e.g. /r/golang/comments/abc123/title/
	CreatedUTC float64 `json:"created_utc"` // Epoch seconds as supplied by Reddit
	Subreddit  string  `json:"subreddit"`
	Author     string  `json:"author"`
}

// Created returns the submission creation time in UTC.
func (s *Submission) Created() time.Time {
	sec := int64(s.CreatedUTC)
	nsec := int64((s.CreatedUTC - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// URL resolves the permalink against base.
func (s *Submission) URL(base string) string {
	return strings.TrimSuffix(base, "/") + s.Permalink
}

// SearchSpec is one configured unit of work.
type SearchSpec struct {
	Name       string `mapstructure:"search_name"`
	Subreddits string `mapstructure:"subreddits"`    // May join several subreddits with '+'
	Query      string `mapstructure:"search_params"` // Reddit search syntax
	Recipient  string `mapstructure:"email_recipient"`
}

// RecipientFor returns the per-search override, or fallback when none is set.
func (s SearchSpec) RecipientFor(fallback string) string {
	if s.Recipient != "" {
		return s.Recipient
	}
	return fallback
}
