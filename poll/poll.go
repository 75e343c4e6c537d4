// Package poll runs the configured searches, drops already-delivered
// submissions, and emails each recipient a digest of what is left.
package poll

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"reddit-notifier/pkg/notifier"
)

// Searcher runs one query against one subreddit target.
type Searcher interface {
	Search(ctx context.Context, subreddits, query string) iter.Seq2[*notifier.Submission, error]
}

// Store is the persisted set of delivered submission IDs.
type Store interface {
	Seen(ctx context.Context) (map[string]struct{}, error)
	Append(ctx context.Context, ids []string) error
}

// Renderer turns one recipient's results into a Markdown and HTML digest.
type Renderer interface {
	Render(rr *notifier.RecipientResults) (markdown, html string, err error)
}

// Emailer delivers one digest to one recipient.
type Emailer interface {
	Deliver(ctx context.Context, recipient, markdown, html string) error
}

// Config holds monitor dependencies and behaviour switches.
type Config struct {
	Searcher         Searcher
	Store            Store
	Renderer         Renderer
	Emailer          Emailer
	Logger           *slog.Logger
	DefaultRecipient string
	Searches         []notifier.SearchSpec

	// SkipDedupe bypasses pruning and never appends to the store.
	SkipDedupe bool
	// PersistBeforeDelivery appends every newly seen ID right after pruning.
	// Otherwise IDs are appended after delivery, and only when every
	// recipient that received them was delivered to.
	PersistBeforeDelivery bool
}

// Monitor runs the search pipeline. Runs never overlap.
type Monitor struct {
	searcher              Searcher
	store                 Store
	renderer              Renderer
	emailer               Emailer
	logger                *slog.Logger
	defaultRecipient      string
	searches              []notifier.SearchSpec
	skipDedupe            bool
	persistBeforeDelivery bool

	mu sync.Mutex
}

// New creates a new poll monitor.
func New(cfg *Config) *Monitor {
	return &Monitor{
		searcher:              cfg.Searcher,
		store:                 cfg.Store,
		renderer:              cfg.Renderer,
		emailer:               cfg.Emailer,
		logger:                cfg.Logger,
		defaultRecipient:      cfg.DefaultRecipient,
		searches:              cfg.Searches,
		skipDedupe:            cfg.SkipDedupe,
		persistBeforeDelivery: cfg.PersistBeforeDelivery,
	}
}

// Report summarises one pipeline run.
type Report struct {
	Started    time.Time
	Failed     []string // Recipients whose delivery failed
	Searches   int
	Found      int // Entries before pruning
	Removed    int // Entries pruned as already seen
	New        int // Distinct newly seen IDs
	Recipients int // Recipients with results after pruning
	Delivered  int
	Persisted  int // IDs appended to the store
}

// Run executes one pass: aggregate, prune, render, deliver.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &Report{Started: time.Now(), Searches: len(m.searches)}
	m.logger.Info("Search run starting", "searches", len(m.searches), "skip_dedupe", m.skipDedupe)

	results, err := Aggregate(ctx, m.searcher, m.searches, m.defaultRecipient, m.logger)
	if err != nil {
		return report, fmt.Errorf("aggregate searches: %w", err)
	}
	report.Found = results.Count()

	persisted := true
	if !m.skipDedupe {
		var newIDs []string
		results, newIDs, err = Prune(ctx, results, m.store, m.logger)
		if err != nil {
			return report, fmt.Errorf("prune results: %w", err)
		}
		report.New = len(newIDs)
		report.Removed = report.Found - results.Count()

		persisted = false
		if m.persistBeforeDelivery || results.Len() == 0 {
			if err := m.store.Append(ctx, newIDs); err != nil {
				return report, fmt.Errorf("persist seen ids: %w", err)
			}
			report.Persisted = len(newIDs)
			persisted = true
		}
	}
	report.Recipients = results.Len()

	if results.Len() == 0 {
		m.logger.Info("No new search results found.")
		return report, nil
	}

	delivered := make(map[string]bool, results.Len())
	var errs []error
	for _, rr := range results.Recipients() {
		m.logger.Debug("Creating email Markdown and HTML for recipient", "recipient", rr.Recipient, "submissions", rr.Count())
		md, html, err := m.renderer.Render(rr)
		if err != nil {
			errs = append(errs, fmt.Errorf("render digest for %s: %w", rr.Recipient, err))
			report.Failed = append(report.Failed, rr.Recipient)
			continue
		}
		if err := m.emailer.Deliver(ctx, rr.Recipient, md, html); err != nil {
			m.logger.Error("Digest delivery failed", "recipient", rr.Recipient, "error", err)
			errs = append(errs, err)
			report.Failed = append(report.Failed, rr.Recipient)
			continue
		}
		delivered[rr.Recipient] = true
		report.Delivered++
	}

	if !persisted {
		ids := deliveredIDs(results, delivered)
		if err := m.store.Append(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("persist seen ids: %w", err))
		} else {
			report.Persisted = len(ids)
		}
		if skipped := results.Len() - report.Delivered; skipped > 0 {
			m.logger.Warn("Some IDs not marked as seen because delivery failed",
				"failed_recipients", report.Failed,
				"persisted", len(ids))
		}
	}

	m.logger.Info("Search run finished",
		"found", report.Found,
		"removed", report.Removed,
		"new", report.New,
		"recipients", report.Recipients,
		"delivered", report.Delivered,
		"persisted", report.Persisted,
		"duration_ms", time.Since(report.Started).Milliseconds())

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}

// deliveredIDs returns the IDs whose every recipient was delivered to.
func deliveredIDs(results *notifier.Results, delivered map[string]bool) []string {
	ok := make(map[string]bool)
	for _, rr := range results.Recipients() {
		for _, sr := range rr.Searches() {
			for _, s := range sr.Submissions() {
				prev, seen := ok[s.ID]
				ok[s.ID] = delivered[rr.Recipient] && (!seen || prev)
			}
		}
	}
	var ids []string
	for _, id := range results.IDs() {
		if ok[id] {
			ids = append(ids, id)
		}
	}
	return ids
}
