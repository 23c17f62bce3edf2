package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cache"
)

// Chart generation error envelopes, returned to the frontend as-is.
const (
	chartAgentFailure  = "Chart could not be generated due to agent failure."
	chartDataFailure   = "Chart could not be generated from this data."
	chartGenericError  = "Chart could not be generated from this data. Please ask a different question."
	chartHint          = "Try asking a question with some numerical values, like 'sales per region' or 'calls per day'."
	chartCacheTTL      = 10 * time.Minute
	chartCacheMaxBytes = 64 * 1024 // payloads above this are served but not cached
)

// ChartService turns a query plus the last RAG answer into a chart spec
// via the chart agent.
type ChartService struct {
	chart runnerAgent
	cache cache.Cache // nil disables response caching
}

// NewChartService returns a ChartService. c may be nil to disable caching.
func NewChartService(chart runnerAgent, c cache.Cache) *ChartService {
	return &ChartService{chart: chart, cache: c}
}

// errorEnvelope is the failure payload the frontend renders in place of a
// chart.
type errorEnvelope struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func envelope(msg, hint string) json.RawMessage {
	b, _ := json.Marshal(errorEnvelope{Error: msg, Hint: hint})
	return b
}

// Generate runs the chart agent over the query and RAG response and
// returns the chart payload, or an error envelope when no chart can be
// built. The returned JSON is always renderable by the frontend; a non-nil
// error is reserved for rate limiting, which callers surface differently.
func (s *ChartService) Generate(ctx context.Context, query, ragResponse string) (json.RawMessage, error) {
	if s.chart == nil {
		return envelope(chartAgentFailure, ""), nil
	}

	key := cache.Key(query, ragResponse)
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	prompt := fmt.Sprintf("Generate chart data for -\n%s\n%s", query, ragResponse)
	raw, err := ask(ctx, s.chart, prompt, nil)
	if err != nil {
		if errors.Is(err, km.ErrRateLimited) {
			return nil, err
		}
		slog.Error("chart agent run failed", slog.Any("error", err))
		return envelope(chartAgentFailure, ""), nil
	}

	chartJSON := stripFences(raw)
	if !gjson.Valid(chartJSON) {
		slog.Error("chart agent returned invalid JSON")
		return envelope(chartGenericError, ""), nil
	}

	parsed := gjson.Parse(chartJSON)
	if len(parsed.Map()) == 0 {
		return envelope(chartDataFailure, chartHint), nil
	}
	if e := parsed.Get("error"); e.Exists() {
		return envelope(e.String(), chartHint), nil
	}

	payload := json.RawMessage(chartJSON)
	if s.cache != nil && len(payload) <= chartCacheMaxBytes {
		s.cache.Set(ctx, key, payload, chartCacheTTL)
	}
	return payload, nil
}

// stripFences removes markdown code fences the agent wraps payloads in.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```sql", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
