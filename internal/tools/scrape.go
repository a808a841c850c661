package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	htmldom "golang.org/x/net/html"

	"delver/internal/llm_client"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) delver/1.0"

type Page struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
	// Summarized is set when the raw content exceeded the limit and was
	// condensed through the completion service instead of truncated.
	Summarized bool `json:"summarized,omitempty"`
}

// FetchError wraps scraper failures.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

const maxBodyBytes = 2 << 20 // refuse to read more than 2 MiB of HTML

// WebScraper fetches a URL and reduces it to readable text. Content longer
// than Limit bytes is summarized through the provider, never hard-truncated.
type WebScraper struct {
	Client   *http.Client
	Provider llm_client.Provider
	Limit    int
}

func NewWebScraper(p llm_client.Provider, limit int) *WebScraper {
	if limit <= 0 {
		limit = 20000
	}
	return &WebScraper{
		Client:   &http.Client{Timeout: 25 * time.Second},
		Provider: p,
		Limit:    limit,
	}
}

func (s *WebScraper) Fetch(ctx context.Context, pageURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, &FetchError{URL: pageURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return Page{}, &FetchError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, &FetchError{URL: pageURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, &FetchError{URL: pageURL, Err: err}
	}

	title, text, err := ExtractText(string(body))
	if err != nil {
		return Page{}, &FetchError{URL: pageURL, Err: err}
	}
	page := Page{URL: pageURL, Title: title, Content: text}

	if len(page.Content) > s.Limit && s.Provider != nil {
		summary, serr := s.summarize(ctx, page)
		if serr == nil && summary != "" {
			page.Content = summary
			page.Summarized = true
		}
		// On summarization failure keep the full text; downstream prompt
		// building clamps what it quotes.
	}
	return page, nil
}

// ExtractText strips scripts, styles and navigation chrome and returns the
// page title plus readable text.
func ExtractText(rawHTML string) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, header, footer, iframe, svg").Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	var sb strings.Builder
	for _, n := range root.Nodes {
		collectText(n, &sb)
	}
	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return title, strings.Join(lines, "\n"), nil
}

// collectText walks the node tree, inserting line breaks at block elements
// so headings and paragraphs don't run together.
func collectText(n *htmldom.Node, sb *strings.Builder) {
	if n.Type == htmldom.TextNode {
		sb.WriteString(n.Data)
		return
	}
	block := false
	if n.Type == htmldom.ElementNode {
		switch n.Data {
		case "p", "div", "li", "tr", "br", "h1", "h2", "h3", "h4", "h5", "h6", "section", "blockquote", "pre":
			block = true
		}
	}
	if block {
		sb.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
	if block {
		sb.WriteString("\n")
	}
}

func (s *WebScraper) summarize(ctx context.Context, page Page) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following web page for a research assistant. Keep every concrete fact, figure, name and date; drop boilerplate. Aim for under %d characters.\n\nTITLE: %s\nURL: %s\n\nCONTENT:\n%s",
		s.Limit/2, page.Title, page.URL, page.Content)
	return s.Provider.Complete(ctx, prompt)
}
