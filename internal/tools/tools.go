package tools

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Searcher is the keyword web-search contract.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Scraper is the URL content-fetch contract.
type Scraper interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Toolset bundles the externals one agent step may call.
type Toolset struct {
	Search Searcher
	Scrape Scraper
}

// Call is one tool invocation requested by a single agent step.
type Call struct {
	Kind  string // "search" | "scrape"
	Query string // search
	URL   string // scrape
	Limit int    // search
}

// Observation is the merged outcome of a call.
type Observation struct {
	Call    Call
	Results []SearchResult // search
	Page    Page           // scrape
	Err     error
}

const callConcurrency = 8

// RunCalls executes independent calls of one step concurrently and merges
// the observations back in call order. Individual failures are recorded in
// the observation, never returned: a bad URL must not sink its siblings.
func RunCalls(ctx context.Context, ts Toolset, calls []Call) []Observation {
	obs := make([]Observation, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(callConcurrency)
	var mu sync.Mutex

	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			o := Observation{Call: c}
			switch c.Kind {
			case "search":
				o.Results, o.Err = ts.Search.Search(gctx, c.Query, c.Limit)
			case "scrape":
				o.Page, o.Err = ts.Scrape.Fetch(gctx, c.URL)
			default:
				o.Err = fmt.Errorf("unknown tool call kind: %s", c.Kind)
			}
			mu.Lock()
			obs[i] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return obs
}
