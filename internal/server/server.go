// Package server exposes a trained S2A model over HTTP: acoustic token
// generation, the speaker list, health and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/go-s2a/internal/config"
	"github.com/example/go-s2a/internal/metrics"
	"github.com/example/go-s2a/internal/s2a"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	Stoks       []int32   `json:"stoks"`
	Speaker     []float32 `json:"speaker"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
	N           int       `json:"n,omitempty"`
	Seed        *uint64   `json:"seed,omitempty"`
}

// GenerateResponse carries one row of acoustic tokens per quantizer.
type GenerateResponse struct {
	Atoks     [][]int32 `json:"atoks"`
	Positions int       `json:"positions"`
}

// Generator produces acoustic tokens for a request.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([][]int32, error)
}

// SpeakerLister returns the speaker ids known to the model.
type SpeakerLister interface {
	ListSpeakers() []string
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxInputTokens int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	gatherer       prometheus.Gatherer
	metrics        *metrics.Training
}

func defaultOptions() options {
	return options{
		maxInputTokens: 1500,
		workers:        1,
		requestTimeout: 120 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxInputTokens caps the semantic tokens accepted by POST /generate.
func WithMaxInputTokens(n int) Option {
	return func(o *options) { o.maxInputTokens = n }
}

// WithWorkers sets the maximum number of concurrent generation calls.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request generation deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics serves g on /metrics and counts generated positions in m.
func WithMetrics(g prometheus.Gatherer, m *metrics.Training) Option {
	return func(o *options) { o.gatherer, o.metrics = g, m }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	gen      Generator
	speakers SpeakerLister
	opts     options
	sem      chan struct{}
	log      *slog.Logger
}

// NewHandler returns an http.Handler serving /health, /speakers, /metrics
// and POST /generate.
func NewHandler(gen Generator, speakers SpeakerLister, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		gen:      gen,
		speakers: speakers,
		opts:     opts,
		log:      opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/speakers", h.handleSpeakers)
	mux.HandleFunc("/generate", h.handleGenerate)

	if opts.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleSpeakers(w http.ResponseWriter, _ *http.Request) {
	var ids []string
	if h.speakers != nil {
		ids = h.speakers.ListSpeakers()
	}

	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, ids)
}

func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if len(req.Stoks) == 0 {
		writeError(w, http.StatusBadRequest, "stoks field is required")
		return
	}

	if len(req.Stoks) > h.opts.maxInputTokens {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("stoks exceed maximum of %d tokens", h.opts.maxInputTokens))
		return
	}

	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	atoks, err := h.gen.Generate(ctx, req)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.log.WarnContext(r.Context(), "generation timed out",
				slog.Int("stoks_len", len(req.Stoks)),
				slog.Int64("duration_ms", durationMS),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusGatewayTimeout, "generation timed out")
			return
		}

		var bad *RequestError
		if errors.As(err, &bad) {
			writeError(w, http.StatusBadRequest, bad.Error())
			return
		}

		h.log.ErrorContext(r.Context(), "generation failed",
			slog.Int("stoks_len", len(req.Stoks)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	positions := 0
	if len(atoks) > 0 {
		positions = len(atoks[0])
	}

	h.opts.metrics.RecordGenerated(positions)

	h.log.InfoContext(r.Context(), "generation complete",
		slog.Int("stoks_len", len(req.Stoks)),
		slog.Int("positions", positions),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, GenerateResponse{Atoks: atoks, Positions: positions})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// ModelGenerator adapts an s2a.Model to Generator.
// ---------------------------------------------------------------------------

// RequestError marks a generation failure caused by the request itself.
type RequestError struct{ Err error }

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// ModelGenerator serialises generation calls on one model.
type ModelGenerator struct {
	mu       sync.Mutex
	model    *s2a.Model
	defaults s2a.GenerateOptions
	seed     uint64
}

func NewModelGenerator(m *s2a.Model, defaults s2a.GenerateOptions, seed uint64) *ModelGenerator {
	return &ModelGenerator{model: m, defaults: defaults, seed: seed}
}

func (g *ModelGenerator) Generate(ctx context.Context, req GenerateRequest) ([][]int32, error) {
	opts := g.defaults
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}

	if req.TopK > 0 {
		opts.TopK = req.TopK
	}

	if req.N > 0 {
		opts.N = req.N
	}

	seed := g.seed
	if req.Seed != nil {
		seed = *req.Seed
	}

	opts.Rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	// Model.Generate takes no context; note a cancellation at each step.
	var cancelled error
	opts.Step = func(int) {
		if cancelled == nil {
			cancelled = ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := g.model.Generate(req.Stoks, req.Speaker, opts)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	if cancelled != nil {
		return nil, cancelled
	}

	return out, nil
}

func (g *ModelGenerator) ListSpeakers() []string {
	ids := make([]string, 0, len(g.model.Speakers))
	for id := range g.model.Speakers {
		ids = append(ids, id)
	}

	slices.SortFunc(ids, func(a, b string) int { return g.model.Speakers[a] - g.model.Speakers[b] })

	return ids
}

// ---------------------------------------------------------------------------
// Server wires the handler into net/http.Server with graceful shutdown.
// ---------------------------------------------------------------------------

type Server struct {
	cfg             config.ServerConfig
	gen             Generator
	speakers        SpeakerLister
	handlerOpts     []Option
	shutdownTimeout time.Duration
}

func New(cfg config.ServerConfig, gen Generator, speakers SpeakerLister, opts ...Option) *Server {
	shutdown := 30 * time.Second
	if cfg.ShutdownTimeout > 0 {
		shutdown = time.Duration(cfg.ShutdownTimeout) * time.Second
	}

	return &Server{
		cfg:             cfg,
		gen:             gen,
		speakers:        speakers,
		handlerOpts:     opts,
		shutdownTimeout: shutdown,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	handlerOpts := []Option{WithWorkers(s.cfg.Workers)}
	if s.cfg.MaxInputTokens > 0 {
		handlerOpts = append(handlerOpts, WithMaxInputTokens(s.cfg.MaxInputTokens))
	}

	if s.cfg.RequestTimeout > 0 {
		handlerOpts = append(handlerOpts, WithRequestTimeout(time.Duration(s.cfg.RequestTimeout)*time.Second))
	}

	handlerOpts = append(handlerOpts, s.handlerOpts...)

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           NewHandler(s.gen, s.speakers, handlerOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
