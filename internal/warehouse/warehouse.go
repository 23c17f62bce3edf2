// Package warehouse provides read-only access to the analytics database
// that agent-generated SQL runs against.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	km "github.com/eugener/palantir/internal"
)

const (
	// maxRows bounds the result set regardless of what the generated
	// query asks for.
	maxRows = 1000
	// maxResultChars bounds the rendered result string.
	maxResultChars = 20000
)

// Warehouse executes validated read-only queries against the analytics DB.
type Warehouse struct {
	db    *sql.DB
	table string // table served by ListTableData
}

// Open connects to the warehouse. driver is a database/sql driver name
// already registered by the storage adapters ("sqlite" or "postgres").
func Open(driver, dsn, table string) (*Warehouse, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	db.SetMaxOpenConns(10)
	return &Warehouse{db: db, table: table}, nil
}

// NewFromDB wraps an existing connection pool (used by tests and by
// deployments where the warehouse shares the history database).
func NewFromDB(db *sql.DB, table string) *Warehouse {
	return &Warehouse{db: db, table: table}
}

// Ping verifies warehouse connectivity.
func (w *Warehouse) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Close closes the connection pool.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// ValidateQuery rejects anything but a single SELECT statement. The SQL
// comes from an agent, so it is untrusted input even with a read-only
// database role underneath.
func ValidateQuery(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if q == "" {
		return fmt.Errorf("empty query: %w", km.ErrBadRequest)
	}
	if strings.Contains(q, ";") {
		return fmt.Errorf("multiple statements: %w", km.ErrBadRequest)
	}
	head := strings.ToUpper(q)
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
		return fmt.Errorf("only SELECT statements are allowed: %w", km.ErrBadRequest)
	}
	return nil
}

// ExecuteQuery runs a validated SELECT and renders the rows as one
// concatenated string of value tuples, the form the answer-composition
// agent consumes. Output is capped at maxRows rows and maxResultChars
// characters.
func (w *Warehouse) ExecuteQuery(ctx context.Context, query string) (string, error) {
	if err := ValidateQuery(query); err != nil {
		return "", err
	}

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("columns: %w", err)
	}

	var sb strings.Builder
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	n := 0
	for rows.Next() && n < maxRows {
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scan row: %w", err)
		}
		sb.WriteByte('(')
		for i, v := range values {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeValue(&sb, v)
		}
		sb.WriteByte(')')
		n++
		if sb.Len() >= maxResultChars {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate rows: %w", err)
	}

	out := sb.String()
	if len(out) > maxResultChars {
		out = out[:maxResultChars]
	}
	return out, nil
}

// writeValue renders a single column value into the tuple string.
func writeValue(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("NULL")
	case []byte:
		fmt.Fprintf(sb, "'%s'", x)
	case string:
		fmt.Fprintf(sb, "'%s'", x)
	default:
		fmt.Fprintf(sb, "%v", x)
	}
}

// ListTableData returns a page of rows from the configured analytics table
// as column-keyed maps.
func (w *Warehouse) ListTableData(ctx context.Context, offset, limit int) ([]map[string]any, error) {
	if w.table == "" {
		return nil, fmt.Errorf("warehouse table not configured: %w", km.ErrNotFound)
	}
	if limit <= 0 || limit > maxRows {
		limit = 25
	}
	if offset < 0 {
		offset = 0
	}

	// Table name comes from config, not from the request; identifiers
	// cannot be parameterized.
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d OFFSET %d", w.table, limit, offset)
	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list table data: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	out := make([]map[string]any, 0, limit)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
