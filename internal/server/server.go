// Package server exposes a loaded model over HTTP for evaluation: per-token
// log-probabilities of submitted token sequences, health and metrics.
package server

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/metrics"
	"github.com/samcharles93/awq/pkg/quant"
)

const (
	HeaderRequestID = "X-Request-Id"

	routeLogProbs = "/v1/logprobs"
	routeHealth   = "/healthz"
	routeMetrics  = "/metrics"
)

var ErrInvalidRequest = errors.New("invalid_request")

// Scorer computes per-token log-probabilities for equal-length sequences.
type Scorer interface {
	LogProbs(seqs [][]int) ([][]float32, error)
}

// Info describes the served model.
type Info struct {
	Arch        string        `json:"arch"`
	Vocab       int           `json:"vocab_size"`
	MaxPosition int           `json:"max_position"`
	Quant       *quant.Config `json:"quant,omitempty"`
}

// Options bounds the work a single request can ask for.
type Options struct {
	// MaxSequences caps the sequences per request. Zero means 64.
	MaxSequences int
	// RateLimit is requests per second across all clients. Zero disables it.
	RateLimit float64
	Burst     int
}

type Server struct {
	scorer   Scorer
	info     Info
	opts     Options
	registry *prometheus.Registry
	metrics  *metrics.Server
	limiter  *rate.Limiter
	log      logger.Logger
	clock    func() time.Time
}

// New builds a server. reg receives the server's collectors and is exposed
// on /metrics; a fresh registry is used when nil.
func New(scorer Scorer, info Info, opts Options, reg *prometheus.Registry, log logger.Logger) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if log == nil {
		log = logger.Default()
	}
	if opts.MaxSequences <= 0 {
		opts.MaxSequences = 64
	}
	s := &Server{
		scorer:   scorer,
		info:     info,
		opts:     opts,
		registry: reg,
		metrics:  metrics.NewServer(reg),
		log:      log,
		clock:    time.Now,
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestID)
	e.POST(routeLogProbs, s.handleLogProbs)
	e.GET(routeHealth, s.handleHealth)
	e.GET(routeMetrics, echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(HeaderRequestID, id)
		return next(c)
	}
}

type LogProbsRequest struct {
	Tokens [][]int `json:"tokens"`
}

type SequenceLogProbs struct {
	LogProbs   []float32 `json:"logprobs"`
	Perplexity float64   `json:"perplexity"`
}

type Usage struct {
	Sequences int `json:"sequences"`
	Tokens    int `json:"tokens"`
}

type LogProbsResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Results []SequenceLogProbs `json:"results"`
	Usage   Usage              `json:"usage"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

func (s *Server) handleLogProbs(c *echo.Context) error {
	start := s.clock()
	s.metrics.InFlight.Inc()
	defer s.metrics.InFlight.Dec()

	if s.limiter != nil && !s.limiter.Allow() {
		return s.fail(c, routeLogProbs, start, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "")
	}
	req, err := decodeJSON[LogProbsRequest](c.Request().Body)
	if err != nil {
		return s.fail(c, routeLogProbs, start, http.StatusBadRequest, "invalid_request_error", err.Error(), "")
	}
	if err := s.validate(&req); err != nil {
		return s.fail(c, routeLogProbs, start, http.StatusBadRequest, "invalid_request_error", err.Error(), "tokens")
	}

	results, tokens, err := s.score(req.Tokens)
	if err != nil {
		s.log.Error("scoring failed", "error", err, "request_id", c.Response().Header().Get(HeaderRequestID))
		return s.fail(c, routeLogProbs, start, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	s.metrics.Tokens.Add(float64(tokens))
	resp := LogProbsResponse{
		ID:      "lp_" + uuid.NewString(),
		Object:  "logprobs",
		Created: start.Unix(),
		Model:   s.info.Arch,
		Results: results,
		Usage:   Usage{Sequences: len(results), Tokens: tokens},
	}
	s.observe(routeLogProbs, http.StatusOK, start)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) validate(req *LogProbsRequest) error {
	if len(req.Tokens) == 0 {
		return invalid("tokens must contain at least one sequence")
	}
	if len(req.Tokens) > s.opts.MaxSequences {
		return invalid(fmt.Sprintf("at most %d sequences per request", s.opts.MaxSequences))
	}
	for i, seq := range req.Tokens {
		if len(seq) < 2 {
			return invalid(fmt.Sprintf("sequence %d: need at least two tokens", i))
		}
		if s.info.MaxPosition > 0 && len(seq) > s.info.MaxPosition {
			return invalid(fmt.Sprintf("sequence %d: %d tokens exceeds the context of %d", i, len(seq), s.info.MaxPosition))
		}
		for j, id := range seq {
			if id < 0 || (s.info.Vocab > 0 && id >= s.info.Vocab) {
				return invalid(fmt.Sprintf("sequence %d: token %d at position %d outside vocabulary", i, id, j))
			}
		}
	}
	return nil
}

// score batches sequences of equal length into one forward pass each.
func (s *Server) score(seqs [][]int) ([]SequenceLogProbs, int, error) {
	byLen := make(map[int][]int)
	for i, seq := range seqs {
		byLen[len(seq)] = append(byLen[len(seq)], i)
	}
	lens := make([]int, 0, len(byLen))
	for n := range byLen {
		lens = append(lens, n)
	}
	sort.Ints(lens)

	out := make([]SequenceLogProbs, len(seqs))
	tokens := 0
	for _, n := range lens {
		idx := byLen[n]
		batch := make([][]int, len(idx))
		for k, i := range idx {
			batch[k] = seqs[i]
		}
		lps, err := s.scorer.LogProbs(batch)
		if err != nil {
			return nil, 0, err
		}
		for k, i := range idx {
			var nll float64
			for _, v := range lps[k] {
				nll -= float64(v)
			}
			out[i] = SequenceLogProbs{
				LogProbs:   lps[k],
				Perplexity: math.Exp(nll / float64(len(lps[k]))),
			}
			tokens += len(lps[k])
		}
	}
	return out, tokens, nil
}

type HealthResponse struct {
	Status string `json:"status"`
	Info
}

func (s *Server) handleHealth(c *echo.Context) error {
	start := s.clock()
	s.observe(routeHealth, http.StatusOK, start)
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Info: s.info})
}

func (s *Server) fail(c *echo.Context, route string, start time.Time, status int, errType, msg, param string) error {
	s.observe(route, status, start)
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType, Param: param},
	})
}

func (s *Server) observe(route string, status int, start time.Time) {
	s.metrics.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	s.metrics.Duration.WithLabelValues(route).Observe(s.clock().Sub(start).Seconds())
}

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string { return e.msg }
func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func invalid(msg string) error { return invalidRequestError{msg: msg} }

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}
