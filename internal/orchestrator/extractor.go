package orchestrator

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
	"github.com/Kocoro-lab/consistency-engine/internal/tracing"
)

// HTTPExtractor calls an external NLP service that returns the raw mentions
// and attribute candidates of one chapter.
type HTTPExtractor struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewHTTPExtractor creates an extractor for the service at baseURL.
func NewHTTPExtractor(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: timeout}
	return &HTTPExtractor{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(client, "extractor", "consistency-engine", logger),
		logger:  logger,
	}
}

// IsCircuitBreakerOpen reports whether the extraction service is being shed.
func (e *HTTPExtractor) IsCircuitBreakerOpen() bool { return e.http.IsCircuitBreakerOpen() }

type extractRequest struct {
	ProjectID string  `json:"project_id"`
	Chapter   Chapter `json:"chapter"`
}

func (e *HTTPExtractor) ExtractChapter(ctx context.Context, projectID string, ch Chapter) (ChapterExtraction, error) {
	url := e.baseURL + "/extract"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(extractRequest{ProjectID: projectID, Chapter: ch})
	if err != nil {
		return ChapterExtraction{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ChapterExtraction{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := e.http.Do(req)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return ChapterExtraction{}, fmt.Errorf("extractor unavailable: %w", err)
		}
		return ChapterExtraction{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ChapterExtraction{}, fmt.Errorf("extractor status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out ChapterExtraction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChapterExtraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	e.logger.Debug("Chapter extracted",
		zap.String("project_id", projectID),
		zap.String("chapter_id", ch.ID),
		zap.Int("mentions", len(out.Mentions)),
		zap.Int("attributes", len(out.Attributes)),
	)
	return out, nil
}
