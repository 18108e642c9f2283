// Package probe is an operator-only dry-run tool for checking that a CSS
// selector set would have found content on a page, before wiring a Spider's
// source code against it. It is never invoked by the Dispatcher's hot path:
// the core treats the scraper subprocess as an opaque, untrusted collaborator
// (spec §1) and does no in-process HTML parsing of its own at runtime.
package probe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// Selectors are the CSS selectors an operator wants to dry-run against a
// candidate page before committing a Spider's settings.
type Selectors struct {
	TitleSelector string
	BodySelector  string
	LinkSelector  string
}

// Probe holds a single result of a selector dry-run.
type Probe struct {
	Title       string
	BodyPreview string
	Links       []string
	RawHTMLLen  int
}

// Runner wraps a Colly collector configured with conservative, respectful
// rate limiting, so an operator exercising this tool against a real site
// can't accidentally hammer it.
type Runner struct {
	userAgent string
}

// New creates a Runner with rate limiting of 1 request/sec per domain and
// at most 2 parallel requests.
func New() *Runner {
	return &Runner{userAgent: "folio-core-probe/1.0"}
}

func (r *Runner) newCollector() *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(r.userAgent),
		colly.AllowURLRevisit(),
		colly.MaxDepth(1),
	)
	_ = c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 2,
		Delay:       1 * time.Second,
		RandomDelay: 500 * time.Millisecond,
	})
	c.OnRequest(func(req *colly.Request) {
		req.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	})
	return c
}

// Run fetches pageURL and reports what the given selectors would have
// extracted: a title, a body text preview, and resolved link hrefs.
func (r *Runner) Run(ctx context.Context, pageURL string, sel Selectors) (*Probe, error) {
	c := r.newCollector()

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("probe: parse url: %w", err)
	}

	var (
		result Probe
		mu     sync.Mutex
		runErr error
	)

	c.OnResponse(func(resp *colly.Response) {
		mu.Lock()
		result.RawHTMLLen = len(resp.Body)
		mu.Unlock()
	})

	if sel.TitleSelector != "" {
		c.OnHTML(sel.TitleSelector, func(e *colly.HTMLElement) {
			mu.Lock()
			if result.Title == "" {
				result.Title = strings.TrimSpace(e.Text)
			}
			mu.Unlock()
		})
	}

	if sel.BodySelector != "" {
		c.OnHTML(sel.BodySelector, func(e *colly.HTMLElement) {
			mu.Lock()
			text := strings.TrimSpace(e.Text)
			if text != "" {
				if result.BodyPreview != "" {
					result.BodyPreview += "\n\n"
				}
				if len(result.BodyPreview) < 500 {
					result.BodyPreview += text
				}
			}
			mu.Unlock()
		})
	}

	if sel.LinkSelector != "" {
		c.OnHTML(sel.LinkSelector, func(e *colly.HTMLElement) {
			href := strings.TrimSpace(e.Attr("href"))
			if href == "" {
				return
			}
			parsed, err := url.Parse(href)
			if err != nil {
				return
			}
			mu.Lock()
			result.Links = append(result.Links, base.ResolveReference(parsed).String())
			mu.Unlock()
		})
	}

	c.OnError(func(resp *colly.Response, err error) {
		mu.Lock()
		if runErr == nil {
			runErr = fmt.Errorf("probe: fetch %s: %w", pageURL, err)
		}
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Visit(pageURL); err != nil {
			mu.Lock()
			if runErr == nil {
				runErr = fmt.Errorf("probe: visit %s: %w", pageURL, err)
			}
			mu.Unlock()
		}
		c.Wait()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	if runErr != nil {
		return nil, runErr
	}

	if len(result.BodyPreview) > 500 {
		result.BodyPreview = result.BodyPreview[:500]
	}
	result.Links = dedupe(result.Links)
	return &result, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
