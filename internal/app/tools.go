package app

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/agent"
)

// Function tool names the orchestrator invokes mid-run.
const (
	toolSQL    = "ChatWithSQLDatabase"
	toolSearch = "ChatWithCallTranscripts"
	toolSales  = "ChatWithCustomerSales"
)

// SearchService answers qualitative questions from the indexed call
// transcripts via the search agent. Each question runs on a fresh thread.
type SearchService struct {
	search runnerAgent
}

// NewSearchService returns a SearchService over the given search agent.
func NewSearchService(search runnerAgent) *SearchService {
	return &SearchService{search: search}
}

// Answer runs the search agent over the question and returns the reply with
// citation markers rewritten to plain numeric references. Failures yield
// the standard retrieval failure answer; rate limiting is surfaced.
func (s *SearchService) Answer(ctx context.Context, question string) (string, error) {
	if s.search == nil {
		return RetrievalFailureAnswer, nil
	}
	raw, err := ask(ctx, s.search, question, nil)
	if err != nil {
		if errors.Is(err, km.ErrRateLimited) {
			return "", err
		}
		slog.Error("search agent run failed", slog.Any("error", err))
		return RetrievalFailureAnswer, nil
	}
	return convertCitationMarkers(raw), nil
}

// FabricService answers customer sales questions via the lakehouse data
// agent. Each question runs on a fresh thread.
type FabricService struct {
	fabric runnerAgent
}

// NewFabricService returns a FabricService over the given data agent.
func NewFabricService(fabric runnerAgent) *FabricService {
	return &FabricService{fabric: fabric}
}

// Answer runs the data agent over the question and returns its reply.
func (s *FabricService) Answer(ctx context.Context, question string) (string, error) {
	if s.fabric == nil {
		return RetrievalFailureAnswer, nil
	}
	raw, err := ask(ctx, s.fabric, question, nil)
	if err != nil {
		if errors.Is(err, km.ErrRateLimited) {
			return "", err
		}
		slog.Error("fabric agent run failed", slog.Any("error", err))
		return RetrievalFailureAnswer, nil
	}
	return raw, nil
}

// ChatTools assembles the orchestrator's function toolset from the backend
// services. Services whose agent is not configured still answer with the
// retrieval failure text, so the run always completes.
func ChatTools(sql *SQLService, search *SearchService, fabric *FabricService) agent.Toolset {
	return agent.Toolset{
		toolSQL: func(ctx context.Context, args string) (string, error) {
			return sql.Answer(ctx, gjson.Get(args, "input").String())
		},
		toolSearch: func(ctx context.Context, args string) (string, error) {
			return search.Answer(ctx, gjson.Get(args, "question").String())
		},
		toolSales: func(ctx context.Context, args string) (string, error) {
			return fabric.Answer(ctx, gjson.Get(args, "question").String())
		},
	}
}

// citationMarker matches the platform's inline citation form 【i:j†source】.
var citationMarker = regexp.MustCompile(`【(\d+):(\d+)†source】`)

// convertCitationMarkers rewrites platform citation markers to one-based
// numeric references, e.g. 【3:0†source】 becomes [1].
func convertCitationMarkers(text string) string {
	return citationMarker.ReplaceAllStringFunc(text, func(m string) string {
		parts := citationMarker.FindStringSubmatch(m)
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return m
		}
		return "[" + strconv.Itoa(n+1) + "]"
	})
}
