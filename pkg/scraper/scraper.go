// Package scraper fetches web pages and reduces them to their readable text.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/retry"
	"golang.org/x/time/rate"
)

type ScraperConfig struct {
	MaxDepth          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	UserAgent         string
	MaxBodyBytes      int64
	Retry             retry.Policy
	OnProgress        func(url string)
}

type Scraper struct {
	config  ScraperConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 1
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.UserAgent == "" {
		config.UserAgent = "ctxrag/1.0 (+https://github.com/xhad/ctxrag)"
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 10 << 20
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	if config.RateLimit < 0 || config.MaxDepth < 0 || config.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("%w: rate limit, depth and body size cannot be negative", models.ErrValidation)
	}

	return &Scraper{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  slog.Default().With("component", "scraper"),
	}, nil
}

func New() *Scraper {
	s, _ := NewWithConfig(ScraperConfig{})
	return s
}

// Fetch downloads one page and returns its title and boilerplate-free text.
// Rate limiting (429) and server errors are retried; other HTTP errors are not.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*models.Page, error) {
	page, _, err := s.fetch(ctx, pageURL)
	return page, err
}

func (s *Scraper) fetch(ctx context.Context, pageURL string) (*models.Page, []string, error) {
	if err := models.ValidateURL(pageURL); err != nil {
		return nil, nil, err
	}

	var (
		page  *models.Page
		links []string
	)
	err := retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
		p, l, err := s.fetchOnce(ctx, pageURL)
		if err != nil {
			return err
		}
		page, links = p, l
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return page, links, nil
}

// fetchOnce downloads a page and collects its absolute link targets.
func (s *Scraper) fetchOnce(ctx context.Context, pageURL string) (*models.Page, []string, error) {
	// Apply rate limiting
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, retry.Permanent(fmt.Errorf("%w: %v", models.ErrValidation, err))
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fetching %s: %w", models.ErrExternalService, pageURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, nil, fmt.Errorf("%w: received status code %d for URL: %s", models.ErrExternalService, resp.StatusCode, pageURL)
	case resp.StatusCode != http.StatusOK:
		return nil, nil, retry.Permanent(fmt.Errorf("%w: received status code %d for URL: %s", models.ErrExternalService, resp.StatusCode, pageURL))
	}

	body := io.LimitReader(resp.Body, s.config.MaxBodyBytes)
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch mediaType {
	case "text/plain", "text/markdown":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading %s: %w", models.ErrExternalService, pageURL, err)
		}
		return &models.Page{URL: pageURL, Title: pageURL, Content: string(data), ContentType: mediaType}, nil, nil
	case "", "text/html", "application/xhtml+xml":
	default:
		return nil, nil, retry.Permanent(fmt.Errorf("%w: unsupported content type %q for URL: %s", models.ErrValidation, contentType, pageURL))
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing %s: %w", models.ErrExternalService, pageURL, err)
	}

	base, _ := url.Parse(pageURL)
	var links []string
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		// Make sure the URL is absolute
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		links = append(links, abs.String())
	})

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = pageURL
	}
	return &models.Page{
		URL:         pageURL,
		Title:       title,
		Content:     ExtractText(doc),
		ContentType: "text/html",
	}, links, nil
}

// Crawl fetches startURL and follows same-host links up to MaxDepth.
// Only a failure on startURL itself is returned; failing child pages are
// logged and skipped.
func (s *Scraper) Crawl(ctx context.Context, startURL string) ([]models.Page, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url %q", models.ErrValidation, startURL)
	}

	c := &crawl{scraper: s, host: start.Host, visited: make(map[string]bool)}
	if err := c.visit(ctx, startURL, 0); err != nil {
		return nil, err
	}
	return c.pages, nil
}

type crawl struct {
	scraper *Scraper
	host    string
	visited map[string]bool
	pages   []models.Page
}

func (c *crawl) visit(ctx context.Context, urlStr string, depth int) error {
	if depth > c.scraper.config.MaxDepth || c.visited[urlStr] {
		return nil
	}
	if !c.scraper.shouldProcessURL(urlStr, c.host) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.visited[urlStr] = true
	if c.scraper.config.OnProgress != nil {
		c.scraper.config.OnProgress(urlStr)
	}

	page, links, err := c.scraper.fetch(ctx, urlStr)
	if err != nil {
		return err
	}
	c.pages = append(c.pages, *page)

	for _, link := range links {
		if err := c.visit(ctx, link, depth+1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.scraper.logger.Warn("skipping page", "url", link, "err", err)
		}
	}
	return nil
}

func (s *Scraper) shouldProcessURL(urlStr, host string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false
	}

	// Check if URL is from the same host
	if parsedURL.Host != host {
		return false
	}

	// Check extensions
	path := strings.ToLower(parsedURL.Path)
	validExt := false
	for _, allowedExt := range s.config.AllowedExtensions {
		if allowedExt == "" {
			if last := path[strings.LastIndex(path, "/")+1:]; !strings.Contains(last, ".") {
				validExt = true
				break
			}
			continue
		}
		if strings.HasSuffix(path, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	// Check ignore patterns
	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}

	return true
}
