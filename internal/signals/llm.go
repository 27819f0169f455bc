package signals

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
	"github.com/Kocoro-lab/consistency-engine/internal/ratecontrol"
	"github.com/Kocoro-lab/consistency-engine/internal/tracing"
)

// LLMConfig points the high-latency signal at its scoring service.
type LLMConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	RPM     int
}

// LLMProvider asks an external language-model service whether two entities
// are the same referent. Calls go through a circuit breaker and a rate limiter;
// an open breaker makes the signal unavailable.
type LLMProvider struct {
	cfg     LLMConfig
	http    *circuitbreaker.HTTPWrapper
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
}

// NewLLMProvider builds the provider. The HTTP client timeout is only a
// backstop; the scorer's per-signal timeout is normally shorter.
func NewLLMProvider(cfg LLMConfig, logger *zap.Logger) *LLMProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &LLMProvider{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(client, "llm-signal", "consistency-engine", logger),
		limiter: ratecontrol.NewLimiter("llm-signal", ratecontrol.RateLimit{RPM: cfg.RPM}),
		logger:  logger,
	}
}

func (*LLMProvider) Kind() Kind  { return LLM }
func (*LLMProvider) Heavy() bool { return true }

// Enabled reports whether a scoring endpoint is configured.
func (p *LLMProvider) Enabled() bool { return p.cfg.BaseURL != "" }

// IsCircuitBreakerOpen reports whether the scoring service is being shed.
func (p *LLMProvider) IsCircuitBreakerOpen() bool { return p.http.IsCircuitBreakerOpen() }

type llmEntity struct {
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases,omitempty"`
	Type     string   `json:"type,omitempty"`
	Contexts []string `json:"contexts,omitempty"`
}

type llmRequest struct {
	Model   string    `json:"model,omitempty"`
	EntityA llmEntity `json:"entity_a"`
	EntityB llmEntity `json:"entity_b"`
}

type llmResponse struct {
	Score     *float64 `json:"score"`
	Reasoning string   `json:"reasoning,omitempty"`
}

func (p *LLMProvider) Score(ctx context.Context, pair Pair) (Score, error) {
	if p.cfg.BaseURL == "" {
		return Unavailable(LLM, "llm signal not configured"), nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return Score{}, err
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/coreference/score"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, _ := json.Marshal(llmRequest{
		Model:   p.cfg.Model,
		EntityA: toLLMEntity(pair.A),
		EntityB: toLLMEntity(pair.B),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Score{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return Unavailable(LLM, err.Error()), nil
		}
		return Score{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Score{}, fmt.Errorf("llm signal status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Score{}, fmt.Errorf("decode llm signal: %w", err)
	}
	if out.Score == nil {
		return Unavailable(LLM, "no score in response"), nil
	}
	return Score{Kind: LLM, Value: *out.Score, Available: true, Reason: out.Reasoning}, nil
}

func toLLMEntity(c Candidate) llmEntity {
	ctxs := c.Contexts
	if len(ctxs) > 3 {
		ctxs = ctxs[:3]
	}
	return llmEntity{Name: c.Name, Aliases: c.Aliases, Type: string(c.Type), Contexts: ctxs}
}
