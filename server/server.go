// Package server exposes ingestion and retrieval over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xhad/ctxrag/internal/models"
	"github.com/xhad/ctxrag/pkg/ingest"
	"github.com/xhad/ctxrag/pkg/ranking"
	"github.com/xhad/ctxrag/pkg/retrieval"
)

// Message types accepted from clients.
const (
	TypeIngestText = "ingest_text"
	TypeIngestURL  = "ingest_url"
	TypeSearch     = "search"
	TypeAsk        = "ask"
	TypeStatus     = "status"
	TypeList       = "list"
	TypeReset      = "reset"
	TypeDelete     = "delete"
)

// Message is both the request and the reply envelope. Replies echo the
// request ID.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Content string          `json:"content"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IngestRequest is the data of ingest_text and ingest_url messages. The
// message content carries the text or the URL.
type IngestRequest struct {
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	TenantID    string   `json:"tenant_id"`
}

// SearchRequest is the optional data of search and ask messages.
type SearchRequest struct {
	MaxResults      int               `json:"max_results"`
	Category        string            `json:"category"`
	SourceType      models.SourceType `json:"source_type"`
	TenantID        string            `json:"tenant_id"`
	VectorWeight    *float64          `json:"vector_weight"`
	BM25Weight      *float64          `json:"bm25_weight"`
	SimilarityFloor *float64          `json:"similarity_floor"`
}

// Answerer writes grounded answers; llm.Generator implements it.
type Answerer interface {
	Answer(ctx context.Context, question string, results []models.SearchResult) (string, error)
	AnswerStream(ctx context.Context, question string, results []models.SearchResult) (<-chan string, <-chan error)
}

type Config struct {
	Addr string
	// AllowedOrigins limits websocket upgrades. Empty accepts any origin.
	AllowedOrigins []string
	Streaming      bool
	RequestTimeout time.Duration
}

type WSServer struct {
	config   Config
	ingest   *ingest.Orchestrator
	engine   *retrieval.Engine
	answerer Answerer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type Option func(*WSServer)

// WithAnswerer enables ask messages.
func WithAnswerer(a Answerer) Option {
	return func(s *WSServer) { s.answerer = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *WSServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func NewWSServer(config Config, orch *ingest.Orchestrator, engine *retrieval.Engine, opts ...Option) (*WSServer, error) {
	if orch == nil || engine == nil {
		return nil, fmt.Errorf("%w: orchestrator and retrieval engine are required", models.ErrValidation)
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Minute
	}

	s := &WSServer{
		config: config,
		ingest: orch,
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler serves /ws and /health.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// ListenAndServe runs until ctx is cancelled, then shuts down gracefully.
func (s *WSServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting websocket server", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// session serializes writes on one connection.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	sess := &session{conn: conn}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("error reading message", "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(sess, Message{Type: "error", Content: fmt.Sprintf("invalid message: %v", err)})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleMessage(ctx, sess, msg)
		}()
	}
}

func (s *WSServer) handleMessage(ctx context.Context, sess *session, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	reply := func(typ, content string, data any) {
		out := Message{Type: typ, ID: msg.ID, Content: content}
		if data != nil {
			encoded, err := json.Marshal(data)
			if err != nil {
				s.logger.Error("failed to encode reply", "type", typ, "err", err)
				return
			}
			out.Data = encoded
		}
		s.send(sess, out)
	}
	fail := func(err error, data any) { reply("error", err.Error(), data) }

	switch msg.Type {
	case TypeIngestText, TypeIngestURL:
		s.handleIngest(ctx, msg, reply, fail)

	case TypeSearch:
		opts, err := searchOptions(msg.Data, s.engine.Config())
		if err != nil {
			fail(err, nil)
			return
		}
		resp := s.engine.Search(ctx, msg.Content, opts)
		reply("results", resp.Message, resp)

	case TypeAsk:
		s.handleAsk(ctx, msg, reply, fail)

	case TypeStatus:
		st, err := s.ingest.GetSourceStatus(ctx, msg.Content)
		if err != nil {
			fail(err, nil)
			return
		}
		reply("status", string(st.Status), st)

	case TypeList:
		sources, err := s.ingest.ListSources(ctx, models.SourceFilter{})
		if err != nil {
			fail(err, nil)
			return
		}
		reply("sources", fmt.Sprintf("%d sources", len(sources)), sources)

	case TypeReset:
		if err := s.ingest.ResetSource(ctx, msg.Content); err != nil {
			fail(err, nil)
			return
		}
		reply("ok", "source reset", nil)

	case TypeDelete:
		if err := s.ingest.DeleteSource(ctx, msg.Content); err != nil {
			fail(err, nil)
			return
		}
		reply("ok", "source deleted", nil)

	default:
		reply("error", fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

func (s *WSServer) handleIngest(ctx context.Context, msg Message, reply func(string, string, any), fail func(error, any)) {
	var req IngestRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			fail(fmt.Errorf("%w: invalid ingest data: %w", models.ErrValidation, err), nil)
			return
		}
	}
	in := ingest.SourceInput{
		Title:       req.Title,
		Category:    req.Category,
		Tags:        req.Tags,
		Description: req.Description,
		TenantID:    req.TenantID,
	}

	var (
		st  *ingest.SourceStatus
		err error
	)
	if msg.Type == TypeIngestURL {
		in.URL = strings.TrimSpace(msg.Content)
		reply("progress", fmt.Sprintf("Processing URL: %s", in.URL), nil)
		st, err = s.ingest.IngestURL(ctx, in)
	} else {
		reply("progress", fmt.Sprintf("Ingesting %q", in.Title), nil)
		st, err = s.ingest.IngestText(ctx, in, msg.Content)
	}
	if err != nil {
		fail(err, statusData(st))
		return
	}
	reply("ingested", fmt.Sprintf("Ingested %d chunks", st.ChunkCount), st)
}

// statusData keeps a nil status out of the reply data.
func statusData(st *ingest.SourceStatus) any {
	if st == nil {
		return nil
	}
	return st
}

// handleAsk answers a question from retrieved chunks. URLs found in the
// question are ingested first; a message holding only a URL stops there.
func (s *WSServer) handleAsk(ctx context.Context, msg Message, reply func(string, string, any), fail func(error, any)) {
	question := msg.Content

	for _, u := range urlRegex.FindAllString(question, -1) {
		reply("progress", fmt.Sprintf("Processing URL: %s", u), nil)
		st, err := s.ingest.IngestURL(ctx, ingest.SourceInput{URL: u})
		if err != nil {
			fail(fmt.Errorf("failed to ingest %s: %w", u, err), statusData(st))
			return
		}
		reply("ingested", fmt.Sprintf("Ingested %d chunks", st.ChunkCount), st)
		question = strings.Replace(question, u, "", 1)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return
	}

	if s.answerer == nil {
		fail(fmt.Errorf("%w: no answer generator configured", models.ErrValidation), nil)
		return
	}

	opts, err := searchOptions(msg.Data, s.engine.Config())
	if err != nil {
		fail(err, nil)
		return
	}
	resp := s.engine.Search(ctx, question, opts)
	if resp.Message != "" {
		reply("progress", resp.Message, nil)
	}

	if !s.config.Streaming {
		answer, err := s.answerer.Answer(ctx, question, resp.Results)
		if err != nil {
			fail(err, nil)
			return
		}
		reply("response", answer, nil)
		return
	}

	textCh, errCh := s.answerer.AnswerStream(ctx, question, resp.Results)
	for chunk := range textCh {
		reply("stream", chunk, nil)
	}
	if err := <-errCh; err != nil {
		fail(err, nil)
		return
	}
	reply("done", "", nil)
}

// searchOptions decodes per-query options. A weight the client leaves out
// keeps its configured value.
func searchOptions(data json.RawMessage, defaults retrieval.Config) (retrieval.Options, error) {
	var opts retrieval.Options
	if len(data) == 0 {
		return opts, nil
	}

	var req SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return opts, fmt.Errorf("%w: invalid search data: %w", models.ErrValidation, err)
	}
	opts.MaxResults = req.MaxResults
	opts.Filters = models.SearchFilters{Category: req.Category, SourceType: req.SourceType, TenantID: req.TenantID}
	opts.SimilarityFloor = req.SimilarityFloor
	if req.VectorWeight != nil || req.BM25Weight != nil {
		w := ranking.Weights{Vector: defaults.VectorWeight, BM25: defaults.BM25Weight}
		if req.VectorWeight != nil {
			w.Vector = *req.VectorWeight
		}
		if req.BM25Weight != nil {
			w.BM25 = *req.BM25Weight
		}
		opts.Weights = &w
	}
	return opts, nil
}

func (s *WSServer) send(sess *session, msg Message) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.conn.WriteJSON(msg); err != nil {
		s.logger.Debug("error sending message", "type", msg.Type, "err", err)
	}
}
