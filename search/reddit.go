package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"reddit-notifier/pkg/notifier"
)

const (
	oauthBaseURL  = "https://oauth.reddit.com"
	publicBaseURL = "https://www.reddit.com"
	tokenURL      = "https://www.reddit.com/api/v1/access_token"

	defaultUserAgent  = "reddit-search-and-email"
	defaultTimeFilter = "week"
	maxPageSize       = 100
	listingCap        = 1000 // Reddit never serves more than this from one listing
)

// Config configures the Reddit client.
type Config struct {
	HTTPClient        *http.Client // Base client; defaults to a 30s timeout client
	ClientID          string       // Script/app client ID; empty uses the public JSON endpoints
	ClientSecret      string
	UserAgent         string
	BaseURL           string // Overrides the API host (used by tests)
	TokenURL          string // Overrides the OAuth token endpoint
	TimeFilter        string // hour, day, week, month, year or all
	PageSize          int
	MaxResults        int
	RequestsPerSecond float64
	RetryAttempts     uint
	RetryDelay        time.Duration
}

// Client searches Reddit through the listing API.
type Client struct {
	client        *http.Client
	limiter       *rate.Limiter
	logger        *slog.Logger
	baseURL       string
	suffix        string // ".json" on public endpoints
	userAgent     string
	timeFilter    string
	pageSize      int
	maxResults    int
	retryAttempts uint
	retryDelay    time.Duration
}

// New creates a Reddit client. With ClientID set, requests use app-only
// OAuth through the client credentials grant.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	// Reddit rejects requests without a descriptive User-Agent, token requests included.
	base = &http.Client{
		Timeout:   base.Timeout,
		Transport: &userAgentTransport{next: base.Transport, userAgent: ua},
	}

	c := &Client{
		client:        base,
		logger:        logger,
		baseURL:       publicBaseURL,
		suffix:        ".json",
		userAgent:     ua,
		timeFilter:    cfg.TimeFilter,
		pageSize:      cfg.PageSize,
		maxResults:    cfg.MaxResults,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
	}

	if cfg.ClientID != "" {
		tu := cfg.TokenURL
		if tu == "" {
			tu = tokenURL
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tu,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		// The token source keeps this context for every refresh.
		c.client = cc.Client(context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base))
		c.client.Timeout = base.Timeout
		c.baseURL = oauthBaseURL
		c.suffix = ""
	} else {
		logger.Warn("No Reddit client ID configured, using unauthenticated public endpoints")
	}

	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if c.timeFilter == "" {
		c.timeFilter = defaultTimeFilter
	}
	if c.pageSize <= 0 || c.pageSize > maxPageSize {
		c.pageSize = maxPageSize
	}
	if c.maxResults <= 0 || c.maxResults > listingCap {
		c.maxResults = listingCap
	}
	if c.retryAttempts == 0 {
		c.retryAttempts = 5
	}
	if c.retryDelay == 0 {
		c.retryDelay = time.Second
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)

	return c
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return next.RoundTrip(req)
}

// listing mirrors the subset of Reddit's listing JSON we consume.
type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string              `json:"kind"`
			Data notifier.Submission `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type page struct {
	after       string
	submissions []*notifier.Submission
}

// Search runs query restricted to subreddits, sorted by new within the
// configured time window. Pages are fetched as the sequence is consumed.
func (c *Client) Search(ctx context.Context, subreddits, query string) iter.Seq2[*notifier.Submission, error] {
	return func(yield func(*notifier.Submission, error) bool) {
		var after string
		count := 0
		for {
			p, err := c.fetchPage(ctx, subreddits, query, after, count)
			if err != nil {
				yield(nil, &Error{Subreddits: subreddits, Query: query, Err: err})
				return
			}
			for _, s := range p.submissions {
				if !yield(s, nil) {
					return
				}
				count++
				if count >= c.maxResults {
					return
				}
			}
			if p.after == "" || len(p.submissions) == 0 {
				return
			}
			after = p.after
		}
	}
}

func (c *Client) searchURL(subreddits, query, after string, count int) string {
	q := url.Values{}
	q.Set("q", query)
	q.Set("sort", "new")
	q.Set("t", c.timeFilter)
	q.Set("restrict_sr", "1")
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("raw_json", "1")
	if after != "" {
		q.Set("after", after)
		q.Set("count", strconv.Itoa(count))
	}
	return fmt.Sprintf("%s/r/%s/search%s?%s", c.baseURL, url.PathEscape(subreddits), c.suffix, q.Encode())
}

func (c *Client) fetchPage(ctx context.Context, subreddits, query, after string, count int) (*page, error) {
	pageURL := c.searchURL(subreddits, query, after, count)
	var result *page
	var lastErr error

	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = err
				return retry.Unrecoverable(err)
			}

			c.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "search_listing")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				lastErr = fmt.Errorf("create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				lastErr = err
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"ratelimit_remaining", resp.Header.Get("X-Ratelimit-Remaining"))

			if resp.StatusCode != http.StatusOK {
				lastErr = &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
				if !retryable(resp.StatusCode) {
					c.logger.Warn("Reddit returned non-retryable status", "status_code", resp.StatusCode, "url", pageURL)
					return retry.Unrecoverable(lastErr)
				}
				c.logger.Warn("Reddit returned non-OK status, will retry", "status_code", resp.StatusCode)
				return lastErr
			}

			result, err = parseListing(resp.Body)
			if err != nil {
				lastErr = err
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying search request after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
			lastErr = errors.Join(ctxErr, lastErr)
		}
		return nil, fmt.Errorf("after retries: %w", lastErr)
	}

	c.logger.Debug("Search listing parsed",
		"url", pageURL,
		"results", len(result.submissions),
		"after", result.after)
	return result, nil
}

func parseListing(r io.Reader) (*page, error) {
	var l listing
	if err := json.NewDecoder(r).Decode(&l); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	p := &page{after: l.Data.After}
	for _, child := range l.Data.Children {
		// t3 is a link (submission); anything else is not ours to report.
		if child.Kind != "" && child.Kind != "t3" {
			continue
		}
		s := child.Data
		if s.ID == "" {
			continue
		}
		p.submissions = append(p.submissions, &s)
	}
	return p, nil
}
