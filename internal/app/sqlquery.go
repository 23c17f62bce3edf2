package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/warehouse"
)

// RetrievalFailureAnswer is returned whenever a retrieval tool cannot
// produce data; the SQL, search, and sales paths all share it.
const RetrievalFailureAnswer = "Details could not be retrieved. Please try again later."

// SQLService answers quantitative questions: the SQL agent generates a
// query, the warehouse executes it read-only, and the rendered rows are
// returned as the answer text.
type SQLService struct {
	sqlAgent  runnerAgent
	warehouse *warehouse.Warehouse
}

// NewSQLService returns a SQLService over the given agent and warehouse.
func NewSQLService(sqlAgent runnerAgent, wh *warehouse.Warehouse) *SQLService {
	return &SQLService{sqlAgent: sqlAgent, warehouse: wh}
}

// Answer converts the natural-language question into SQL, executes it, and
// returns the concatenated row text. Any failure along the way yields the
// standard failure answer rather than an error: the caller embeds the text
// in a larger agent conversation where an error string is the contract.
// Rate limiting is the exception and is surfaced to the caller.
func (s *SQLService) Answer(ctx context.Context, question string) (string, error) {
	if s.sqlAgent == nil || s.warehouse == nil {
		return RetrievalFailureAnswer, nil
	}

	raw, err := ask(ctx, s.sqlAgent, question, nil)
	if err != nil {
		if errors.Is(err, km.ErrRateLimited) {
			return "", err
		}
		slog.Error("sql agent run failed", slog.Any("error", err))
		return RetrievalFailureAnswer, nil
	}

	query := stripFences(raw)
	answer, err := s.warehouse.ExecuteQuery(ctx, query)
	if err != nil {
		slog.Error("warehouse query failed", slog.Any("error", err))
		return RetrievalFailureAnswer, nil
	}
	return answer, nil
}

// ListTableData exposes the warehouse's analytics table page-wise.
func (s *SQLService) ListTableData(ctx context.Context, offset, limit int) ([]map[string]any, error) {
	if s.warehouse == nil {
		return nil, fmt.Errorf("warehouse is not configured: %w", km.ErrNotFound)
	}
	return s.warehouse.ListTableData(ctx, offset, limit)
}
