package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/circuitbreaker"
	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/tracing"
)

var ErrNotConfigured = errors.New("embedding service not configured")

// Service turns entity context strings into vectors. Lookups go LRU, then
// Redis, then the HTTP service; new vectors are written back to both caches.
type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	cache  EmbeddingCache
	lru    *LocalLRU
	logger *zap.Logger
}

// NewService builds a service. cache may be nil.
func NewService(cfg Config, cache EmbeddingCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cfg.withDefaults()
	client := &http.Client{Timeout: c.Timeout}
	return &Service{
		cfg:    c,
		http:   circuitbreaker.NewHTTPWrapper(client, "embeddings", "consistency-engine", logger),
		cache:  cache,
		lru:    NewLocalLRU(c.MaxLRU),
		logger: logger,
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// IsCircuitBreakerOpen reports whether the embedding endpoint is being shed.
func (s *Service) IsCircuitBreakerOpen() bool { return s != nil && s.http.IsCircuitBreakerOpen() }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// GenerateEmbedding returns the vector for one text.
func (s *Service) GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error) {
	out, err := s.GenerateBatchEmbeddings(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GenerateBatchEmbeddings returns one vector per text, in order. Duplicate
// texts are requested once.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil || s.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}

	results := make([][]float32, len(texts))
	pending := make(map[string][]int)
	var missing []string
	for i, text := range texts {
		if v, ok := s.lookup(ctx, m, text); ok {
			results[i] = v
			continue
		}
		if _, seen := pending[text]; !seen {
			missing = append(missing, text)
		}
		pending[text] = append(pending[text], i)
	}

	for start := 0; start < len(missing); start += s.cfg.MaxBatch {
		end := min(start+s.cfg.MaxBatch, len(missing))
		batch := missing[start:end]
		vecs, err := s.fetch(ctx, m, batch)
		if err != nil {
			return nil, err
		}
		for j, text := range batch {
			s.store(ctx, m, text, vecs[j])
			for _, idx := range pending[text] {
				results[idx] = vecs[j]
			}
		}
	}
	return results, nil
}

func (s *Service) lookup(ctx context.Context, model, text string) ([]float32, bool) {
	key := MakeKey(model, text)
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.RecordEmbeddingMetrics(model, "lru_hit", 0)
		return v, true
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, s.cfg.LRUTTL)
			metrics.RecordEmbeddingMetrics(model, "cache_hit", 0)
			return v, true
		}
	}
	return nil, false
}

func (s *Service) store(ctx context.Context, model, text string, v []float32) {
	key := MakeKey(model, text)
	s.lru.Set(ctx, key, v, s.cfg.LRUTTL)
	if s.cache != nil {
		s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
	}
}

func (s *Service) fetch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	start := time.Now()
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/embeddings/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(embedRequest{Texts: texts, Model: model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(er.Embeddings) != len(texts) {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, embedding := range er.Embeddings {
		vec := make([]float32, len(embedding))
		for j, f := range embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	metrics.RecordEmbeddingMetrics(model, "batch_ok", time.Since(start).Seconds())
	return out, nil
}
