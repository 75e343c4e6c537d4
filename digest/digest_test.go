package digest

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"reddit-notifier/pkg/notifier"
)

func recipientResults(t *testing.T) *notifier.RecipientResults {
	t.Helper()
	r := notifier.NewResults()
	r.Add("a@x.com", "foo", &notifier.Submission{ID: "id1", Title: "T1", Permalink: "/r/x/1"})
	r.Add("a@x.com", "foo", &notifier.Submission{ID: "id2", Title: "T2", Permalink: "/r/x/2"})
	r.Add("a@x.com", "bar", &notifier.Submission{ID: "id3", Title: "T3", Permalink: "/r/y/3"})
	return r.Recipient("a@x.com")
}

func TestMarkdownFormat(t *testing.T) {
	md, _, err := Render(recipientResults(t))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	want := strings.Join([]string{
		"## New Search Results Found!",
		"### foo",
		"* [T1](https://reddit.com/r/x/1)",
		"* [T2](https://reddit.com/r/x/2)",
		"### bar",
		"* [T3](https://reddit.com/r/y/3)",
	}, "\n")
	if md != want {
		t.Errorf("Render() markdown =\n%s\nwant\n%s", md, want)
	}
}

func TestMarkdownSingleSubmission(t *testing.T) {
	r := notifier.NewResults()
	r.Add("a@x.com", "foo", &notifier.Submission{ID: "id1", Title: "T1", Permalink: "/r/x/1"})

	md, _, err := Render(r.Recipient("a@x.com"))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(md, "### foo\n* [T1](https://reddit.com/r/x/1)") {
		t.Errorf("Markdown missing search group with link.\nGot:\n%s", md)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	rr := recipientResults(t)
	firstMD, firstHTML, err := Render(rr)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for i := range 20 {
		md, html, err := Render(rr)
		if err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if md != firstMD {
			t.Fatalf("Markdown differs on iteration %d", i)
		}
		if html != firstHTML {
			t.Fatalf("HTML differs on iteration %d", i)
		}
	}
}

func TestHTMLStructure(t *testing.T) {
	_, html, err := Render(recipientResults(t))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}

	if got := doc.Find("h2").Text(); got != "New Search Results Found!" {
		t.Errorf("h2 = %q", got)
	}
	var headings []string
	doc.Find("h3").Each(func(_ int, s *goquery.Selection) {
		headings = append(headings, s.Text())
	})
	if strings.Join(headings, ",") != "foo,bar" {
		t.Errorf("h3 headings = %v, want [foo bar]", headings)
	}

	links := doc.Find("li a")
	if links.Length() != 3 {
		t.Fatalf("found %d links, want 3", links.Length())
	}
	href, _ := links.First().Attr("href")
	if href != "https://reddit.com/r/x/1" {
		t.Errorf("first link href = %q", href)
	}
	if style, ok := links.First().Attr("style"); !ok || !strings.Contains(style, "color") {
		t.Errorf("link missing inline style, got %q", style)
	}
}

func TestHTMLSanitizesTitles(t *testing.T) {
	r := notifier.NewResults()
	r.Add("a@x.com", "foo", &notifier.Submission{
		ID:        "evil",
		Title:     `<script>alert('xss')</script>Free stuff <img src=x onerror=alert(1)>`,
		Permalink: "/r/x/evil",
	})

	_, html, err := Render(r.Recipient("a@x.com"))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("script tag survived sanitizing:\n%s", html)
	}
	if strings.Contains(html, "onerror") {
		t.Errorf("event handler survived sanitizing:\n%s", html)
	}
	if !strings.Contains(html, "Free stuff") {
		t.Errorf("title text should be preserved:\n%s", html)
	}
}

func TestCustomBaseURLAndHeading(t *testing.T) {
	f := New("https://old.reddit.com/", "Fresh matches")
	r := notifier.NewResults()
	r.Add("a@x.com", "foo", &notifier.Submission{ID: "id1", Title: "T1", Permalink: "/r/x/1"})

	md := f.Markdown(r.Recipient("a@x.com"))
	if !strings.HasPrefix(md, "## Fresh matches\n") {
		t.Errorf("custom heading missing:\n%s", md)
	}
	if !strings.Contains(md, "(https://old.reddit.com/r/x/1)") {
		t.Errorf("custom base URL missing:\n%s", md)
	}
}
