// Package digest renders per-recipient result digests as Markdown and HTML.
package digest

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"

	"reddit-notifier/pkg/notifier"
)

const (
	// DefaultBaseURL is the host permalinks are resolved against.
	DefaultBaseURL = "https://reddit.com"
	// DefaultHeading opens every digest.
	DefaultHeading = "New Search Results Found!"
)

// Inline styles applied to the rendered HTML. Many mail clients drop <style> blocks.
var inlineStyles = map[string]string{
	"h2": "font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; border-bottom: 2px solid #ff4500; padding-bottom: 8px;",
	"h3": "font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; margin: 20px 0 8px;",
	"ul": "padding-left: 20px; margin: 0;",
	"li": "font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6;",
	"a":  "color: #ff4500; text-decoration: none;",
}

var headingAfterLine = regexp.MustCompile(`\n(#{1,6} )`)

// Formatter renders digests.
type Formatter struct {
	policy  *bluemonday.Policy
	baseURL string
	heading string
}

// New creates a formatter. Empty arguments fall back to the defaults.
func New(baseURL, heading string) *Formatter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if heading == "" {
		heading = DefaultHeading
	}
	return &Formatter{
		policy:  bluemonday.UGCPolicy(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		heading: heading,
	}
}

// Render renders one recipient's results with the default formatter.
func Render(rr *notifier.RecipientResults) (markdown, html string, err error) {
	return New("", "").Render(rr)
}

// Render returns the Markdown digest and its HTML rendering.
// Output order follows the insertion order of rr.
func (f *Formatter) Render(rr *notifier.RecipientResults) (markdown, html string, err error) {
	markdown = f.Markdown(rr)
	html, err = f.HTML(markdown)
	if err != nil {
		return "", "", err
	}
	return markdown, html, nil
}

// Markdown builds the digest text: a heading, one sub-heading per search,
// and one link bullet per submission.
func (f *Formatter) Markdown(rr *notifier.RecipientResults) string {
	lines := []string{"## " + f.heading}
	for _, sr := range rr.Searches() {
		lines = append(lines, "### "+sr.Name)
		for _, s := range sr.Submissions() {
			lines = append(lines, fmt.Sprintf("* [%s](%s)", s.Title, s.URL(f.baseURL)))
		}
	}
	return strings.Join(lines, "\n")
}

// HTML converts Markdown to sanitized, inline-styled HTML.
func (f *Formatter) HTML(markdown string) (string, error) {
	// A heading directly under a list item would be read as a lazy continuation.
	spaced := headingAfterLine.ReplaceAllString(markdown, "\n\n$1")
	raw := blackfriday.Run([]byte(spaced))
	// Submission titles are untrusted and may carry raw HTML through Markdown.
	safe := f.policy.SanitizeBytes(raw)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(safe))
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}
	for tag, style := range inlineStyles {
		doc.Find(tag).SetAttr("style", style)
	}

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("serialize html: %w", err)
	}
	return strings.TrimSpace(out), nil
}
