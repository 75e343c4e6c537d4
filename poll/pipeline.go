package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"reddit-notifier/pkg/notifier"
	"reddit-notifier/search"
)

// Aggregate runs every search in order and groups the hits by recipient and
// search name. A search without its own recipient goes to defaultRecipient.
// The first search error aborts the whole aggregation.
func Aggregate(ctx context.Context, searcher Searcher, searches []notifier.SearchSpec, defaultRecipient string, logger *slog.Logger) (*notifier.Results, error) {
	results := notifier.NewResults()

	for _, spec := range searches {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, stopping searches", "error", ctx.Err())
			return nil, ctx.Err()
		default:
		}

		recipient := spec.RecipientFor(defaultRecipient)
		logger.Info("Running search",
			"search", spec.Name,
			"subreddits", spec.Subreddits,
			"query", spec.Query,
			"recipient", recipient)

		count := 0
		var newest time.Time
		for sub, err := range searcher.Search(ctx, spec.Subreddits, spec.Query) {
			if err != nil {
				if search.IsAuthError(err) {
					logger.Error("Reddit rejected the credentials, check reddit.client_id and reddit.client_secret",
						"search", spec.Name,
						"error", err)
				}
				return nil, fmt.Errorf("search %q: %w", spec.Name, err)
			}
			results.Add(recipient, spec.Name, sub)
			count++
			if created := sub.Created(); created.After(newest) {
				newest = created
			}
		}
		if count == 0 {
			logger.Info("Result count for search", "search", spec.Name, "count", 0)
			continue
		}
		logger.Info("Result count for search",
			"search", spec.Name,
			"count", count,
			"newest", newest.Format(time.RFC3339))
	}
	return results, nil
}

// Prune removes every submission whose ID the store has already seen and
// returns the pruned results together with the distinct IDs that remain.
// Buckets left empty are dropped. results is modified in place.
func Prune(ctx context.Context, results *notifier.Results, store Store, logger *slog.Logger) (*notifier.Results, []string, error) {
	seen, err := store.Seen(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("Loaded seen IDs", "count", len(seen))

	for _, rr := range results.Recipients() {
		for _, sr := range rr.Searches() {
			for _, sub := range sr.Submissions() {
				if _, ok := seen[sub.ID]; !ok {
					continue
				}
				logger.Debug("Removing already sent submission",
					"id", sub.ID,
					"search", sr.Name,
					"recipient", rr.Recipient)
				results.Remove(rr.Recipient, sr.Name, sub.ID)
			}
		}
	}
	return results, results.IDs(), nil
}
