package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/ingest"
	"github.com/xhad/ctxrag/pkg/ranking"
	"github.com/xhad/ctxrag/pkg/retrieval"
	"github.com/xhad/ctxrag/pkg/scraper"
	"github.com/xhad/ctxrag/server"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func firstArg(c *cli.Context, name string) (string, error) {
	arg := strings.TrimSpace(c.Args().First())
	if arg == "" {
		return "", fmt.Errorf("missing argument <%s>", name)
	}
	return arg, nil
}

func sourceInput(c *cli.Context) ingest.SourceInput {
	return ingest.SourceInput{
		Title:       c.String("title"),
		Category:    c.String("category"),
		Tags:        c.StringSlice("tag"),
		Description: c.String("description"),
		TenantID:    c.String("tenant"),
	}
}

// readText takes the text from --file, the first argument, or stdin when
// the argument is "-" or missing.
func readText(c *cli.Context) (string, error) {
	if path := c.String("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(data), nil
	}
	if arg := c.Args().First(); arg != "" && arg != "-" {
		return strings.Join(c.Args().Slice(), " "), nil
	}
	data, err := io.ReadAll(c.App.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func ingestTextCommand(c *cli.Context, a *app) error {
	in := sourceInput(c)
	if in.Title == "" {
		if path := c.String("file"); path != "" {
			in.Title = filepath.Base(path)
		} else {
			return fmt.Errorf("--title is required")
		}
	}
	text, err := readText(c)
	if err != nil {
		return err
	}

	spinner := getSpinner(" Ingesting text...")
	st, err := a.orch.IngestText(c.Context, in, text)
	spinner.Finish()

	printStatus(c.App.Writer, st)
	return err
}

func ingestFileCommand(c *cli.Context, a *app) error {
	path, err := firstArg(c, "path")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	in := sourceInput(c)
	in.FileName = filepath.Base(path)
	in.MimeType = c.String("mime")

	spinner := getSpinner(fmt.Sprintf(" Ingesting %s...", in.FileName))
	st, err := a.orch.IngestFile(c.Context, in, data)
	spinner.Finish()

	printStatus(c.App.Writer, st)
	return err
}

func ingestURLCommand(c *cli.Context, a *app) error {
	rawURL, err := firstArg(c, "url")
	if err != nil {
		return err
	}
	if err := models.ValidateURL(rawURL); err != nil {
		return err
	}

	if !c.Bool("crawl") {
		in := sourceInput(c)
		in.URL = rawURL

		spinner := getSpinner(fmt.Sprintf(" Ingesting %s...", rawURL))
		st, err := a.orch.IngestURL(c.Context, in)
		spinner.Finish()

		printStatus(c.App.Writer, st)
		return err
	}
	return crawlAndIngest(c, a, rawURL)
}

// crawlAndIngest gathers same-host pages first, then ingests each one as its
// own url source.
func crawlAndIngest(c *cli.Context, a *app, startURL string) error {
	var scrapeCount int32
	cfg := scraperConfig(a.cfg)
	if c.IsSet("depth") {
		cfg.MaxDepth = c.Int("depth")
	}
	cfg.OnProgress = func(string) { atomic.AddInt32(&scrapeCount, 1) }
	crawler, err := scraper.NewWithConfig(cfg)
	if err != nil {
		return err
	}

	scrapingBar := getProgressBar(-1, " Scraping pages...")
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = scrapingBar.Set(int(atomic.LoadInt32(&scrapeCount)))
			}
		}
	}()

	pages, err := crawler.Crawl(c.Context, startURL)
	close(done)
	_ = scrapingBar.Finish()
	if err != nil {
		return fmt.Errorf("failed to crawl %s: %w", startURL, err)
	}
	green.Fprintf(c.App.Writer, "✓ Scraped %d pages\n", len(pages))

	a.pages.Add(pages)
	ingestBar := getProgressBar(len(pages), " Ingesting pages")
	base := sourceInput(c)

	var failed int
	for _, page := range pages {
		in := base
		in.URL = page.URL
		if in.Title == "" || page.URL != startURL {
			in.Title = page.Title
		}

		st, err := a.orch.IngestURL(c.Context, in)
		_ = ingestBar.Add(1)
		if err != nil {
			if c.Context.Err() != nil {
				return c.Context.Err()
			}
			failed++
			red.Fprintf(c.App.Writer, "\n✗ %s: %v\n", page.URL, err)
			continue
		}
		if st != nil {
			a.logger.Debug("page ingested", "url", page.URL, "source", st.ID, "chunks", st.ChunkCount)
		}
	}
	_ = ingestBar.Finish()

	green.Fprintf(c.App.Writer, "\n✓ Ingested %d of %d pages\n", len(pages)-failed, len(pages))
	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed", failed, len(pages))
	}
	return nil
}

func searchOptions(c *cli.Context, a *app) retrieval.Options {
	opts := retrieval.Options{
		MaxResults: c.Int("max-results"),
		Filters: models.SearchFilters{
			Category:   c.String("category"),
			SourceType: models.SourceType(c.String("type")),
			TenantID:   c.String("tenant"),
		},
	}
	if c.IsSet("vector-weight") || c.IsSet("bm25-weight") {
		w := ranking.Weights{Vector: a.cfg.Search.VectorWeight, BM25: a.cfg.Search.BM25Weight}
		if c.IsSet("vector-weight") {
			w.Vector = c.Float64("vector-weight")
		}
		if c.IsSet("bm25-weight") {
			w.BM25 = c.Float64("bm25-weight")
		}
		opts.Weights = &w
	}
	if c.IsSet("floor") {
		floor := c.Float64("floor")
		opts.SimilarityFloor = &floor
	}
	return opts
}

func searchCommand(c *cli.Context, a *app) error {
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("missing argument <query>")
	}

	spinner := getSpinner(" Searching...")
	resp := a.engine.Search(c.Context, query, searchOptions(c, a))
	spinner.Finish()

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printResults(c.App.Writer, resp)
	return nil
}

func askCommand(c *cli.Context, a *app) error {
	question := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("missing argument <question>")
	}
	return answer(c.Context, c.App.Writer, a, question, searchOptions(c, a), c.Bool("stream"))
}

// answer retrieves chunks for question and prints a grounded answer.
func answer(ctx context.Context, w io.Writer, a *app, question string, opts retrieval.Options, stream bool) error {
	querySpinner := getSpinner(" Searching documentation...")
	resp := a.engine.Search(ctx, question, opts)
	querySpinner.Finish()
	if resp.Message != "" {
		yellow.Fprintln(w, resp.Message)
	}

	if !stream {
		responseSpinner := getSpinner(" Generating response...")
		text, err := a.generator.Answer(ctx, question, resp.Results)
		responseSpinner.Finish()
		if err != nil {
			return err
		}
		cyan.Fprint(w, "\nAssistant: ")
		fmt.Fprintln(w, text)
		return nil
	}

	cyan.Fprint(w, "\nAssistant: ")
	responseSpinner := getSpinner(" Thinking...")
	firstChunk := true

	textCh, errCh := a.generator.AnswerStream(ctx, question, resp.Results)
	for chunk := range textCh {
		// Clear spinner on first chunk
		if firstChunk {
			responseSpinner.Finish()
			firstChunk = false
		}
		fmt.Fprint(w, chunk)
	}
	if firstChunk {
		responseSpinner.Finish()
	}
	fmt.Fprintln(w)
	return <-errCh
}

func chatCommand(c *cli.Context, a *app) error {
	w := c.App.Writer
	cyan.Fprintln(w, "\nAsk the knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(c.App.Reader)
	for {
		green.Fprint(w, "\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}

		// Ingest any URL in the message before answering
		for _, u := range urlRegex.FindAllString(query, -1) {
			yellow.Fprintf(w, "\nDetected URL: %s\n", u)

			spinner := getSpinner(" Ingesting page...")
			st, err := a.orch.IngestURL(c.Context, ingest.SourceInput{URL: u})
			spinner.Finish()
			if err != nil {
				red.Fprintf(w, "Failed to ingest %s: %v\n", u, err)
				continue
			}
			green.Fprintf(w, "✓ Ingested %d chunks\n", st.ChunkCount)
			query = strings.Replace(query, u, "", 1)
		}
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}

		if err := answer(c.Context, w, a, query, retrieval.Options{}, c.Bool("stream")); err != nil {
			red.Fprintf(w, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

func statusCommand(c *cli.Context, a *app) error {
	id, err := firstArg(c, "source-id")
	if err != nil {
		return err
	}
	st, err := a.orch.GetSourceStatus(c.Context, id)
	if err != nil {
		return err
	}
	printStatus(c.App.Writer, st)
	return nil
}

func listCommand(c *cli.Context, a *app) error {
	sources, err := a.orch.ListSources(c.Context, models.SourceFilter{
		Status:   models.Status(c.String("status")),
		Category: c.String("category"),
		Type:     models.SourceType(c.String("type")),
		TenantID: c.String("tenant"),
		Limit:    c.Int("limit"),
	})
	if err != nil {
		return err
	}
	printSources(c.App.Writer, sources)
	return nil
}

func deleteCommand(c *cli.Context, a *app) error {
	id, err := firstArg(c, "source-id")
	if err != nil {
		return err
	}
	if err := a.orch.DeleteSource(c.Context, id); err != nil {
		return err
	}
	green.Fprintf(c.App.Writer, "✓ Deleted %s\n", id)
	return nil
}

func resetCommand(c *cli.Context, a *app) error {
	id, err := firstArg(c, "source-id")
	if err != nil {
		return err
	}
	if err := a.orch.ResetSource(c.Context, id); err != nil {
		return err
	}
	green.Fprintf(c.App.Writer, "✓ Reset %s to pending\n", id)
	return nil
}

func serveCommand(c *cli.Context, a *app) error {
	addr := a.cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	s, err := server.NewWSServer(server.Config{
		Addr:           addr,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Streaming:      c.Bool("stream"),
	}, a.orch, a.engine, server.WithAnswerer(a.generator), server.WithLogger(a.logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
