package main

import (
	"context"
	"sync"

	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/internal/types"
)

// pageCache serves pages already gathered by a crawl so ingesting them does
// not fetch each one a second time. Unknown URLs go to the live fetcher.
type pageCache struct {
	fetcher types.Fetcher

	mu    sync.Mutex
	pages map[string]models.Page
}

func newPageCache(fetcher types.Fetcher) *pageCache {
	return &pageCache{fetcher: fetcher, pages: make(map[string]models.Page)}
}

func (p *pageCache) Add(pages []models.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, page := range pages {
		p.pages[page.URL] = page
	}
}

// Fetch returns a cached page once, then forgets it.
func (p *pageCache) Fetch(ctx context.Context, url string) (*models.Page, error) {
	p.mu.Lock()
	page, ok := p.pages[url]
	delete(p.pages, url)
	p.mu.Unlock()

	if ok {
		return &page, nil
	}
	return p.fetcher.Fetch(ctx, url)
}
