package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchError wraps search-provider failures.
type SearchError struct {
	Query string
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search %q: %v", e.Query, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

const ddgEndpoint = "https://html.duckduckgo.com/html/"

// WebSearcher queries the DuckDuckGo HTML endpoint and parses the result
// list with goquery. No API key required.
type WebSearcher struct {
	Client *http.Client
}

func NewWebSearcher() *WebSearcher {
	return &WebSearcher{Client: &http.Client{Timeout: 20 * time.Second}}
}

func (s *WebSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 6
	}
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ddgEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &SearchError{Query: query, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &SearchError{Query: query, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &SearchError{Query: query, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &SearchError{Query: query, Err: fmt.Errorf("parse results: %w", err)}
	}
	return ParseResults(doc, limit), nil
}

// ParseResults extracts results from a DDG html page. Split out so fixture
// pages can be parsed in tests without the network.
func ParseResults(doc *goquery.Document, limit int) []SearchResult {
	var out []SearchResult
	doc.Find("div.result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		a := sel.Find("a.result__a").First()
		href, _ := a.Attr("href")
		title := strings.TrimSpace(a.Text())
		snippet := strings.TrimSpace(sel.Find(".result__snippet").Text())
		u := cleanResultURL(href)
		if u == "" || title == "" {
			return true
		}
		out = append(out, SearchResult{Title: title, URL: u, Snippet: snippet})
		return len(out) < limit
	})
	return out
}

// DDG wraps result hrefs in a redirect (//duckduckgo.com/l/?uddg=<enc>).
func cleanResultURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if uddg := u.Query().Get("uddg"); uddg != "" {
		if dec, err := url.QueryUnescape(uddg); err == nil {
			return dec
		}
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.String()
	}
	return ""
}
