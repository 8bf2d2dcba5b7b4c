// Package history implements the read-only SQL tool over recorded entity
// state history.
//
// Security:
//   - Only read-only statements allowed (SELECT, EXPLAIN, SHOW, WITH)
//   - All write/DDL statements blocked before touching the database
//   - One statement per call; trailing semicolons tolerated
//   - Per-query timeout and row cap enforced
//
// With a configured DSN the tool connects to a dedicated read-only
// database, separate from the agent's own persistence. Without one it
// falls back to the execution context's session, so the default sqlite
// deployment still answers history queries.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/tools"
)

// blockedPrefixes are statement prefixes that indicate write or DDL
// operations. Checked before the allowlist for clearer error messages.
var blockedPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
	"LOAD", "CLUSTER", "REFRESH", "SECURITY",
}

// allowedPrefixes are the only statement prefixes permitted.
var allowedPrefixes = []string{
	"SELECT", "EXPLAIN", "SHOW", "WITH",
}

// Tool runs read-only SQL over the entity state history.
type Tool struct {
	cfg    *config.HistoryToolConfig
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

var _ tools.Tool = (*Tool)(nil)

// New creates the history_query tool. The connection opens lazily on
// first use.
func New(cfg *config.HistoryToolConfig, logger *slog.Logger) *Tool {
	return &Tool{cfg: cfg, logger: logger}
}

func (t *Tool) Name() string { return "history_query" }

func (t *Tool) Description() string {
	return "Query recorded smart-home state history with read-only SQL. " +
		"The entity_states table has columns entity_id, domain, state, attributes (JSON) and recorded_at."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "SQL query, read-only (SELECT, EXPLAIN, SHOW, WITH)",
			},
			"max_rows": map[string]any{
				"type":        "number",
				"description": "Maximum number of rows to return",
			},
		},
		"required": []string{"query"},
	}
}

func (t *Tool) Class() tools.Class { return tools.ClassReadOnly }

func (t *Tool) Execute(ctx context.Context, ectx *execctx.Context, params map[string]any) (*tools.Result, error) {
	query, err := tools.RequireString(params, "query")
	if err != nil {
		return nil, err
	}
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}

	maxRows := t.cfg.RowLimit()
	if v, ok := params["max_rows"].(float64); ok && int(v) > 0 && int(v) < maxRows {
		maxRows = int(v)
	}

	queryCtx, cancel := context.WithTimeout(ctx, t.cfg.QueryTimeout())
	defer cancel()

	t.logger.Info("history query executing",
		slog.String("query_prefix", truncateQuery(query, 100)),
		slog.Int("max_rows", maxRows),
	)

	rows, err := t.queryRows(queryCtx, ectx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	output, rowCount, err := formatRows(rows, maxRows)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"rows_returned": rowCount,
			"max_rows":      maxRows,
		},
	}, nil
}

// queryRows runs the validated statement. A configured DSN wins; without
// one the agent's own session serves the query.
func (t *Tool) queryRows(ctx context.Context, ectx *execctx.Context, query string) (*sql.Rows, error) {
	if t.cfg != nil && t.cfg.DSN != "" {
		db, err := t.ensureConnected(ctx)
		if err != nil {
			return nil, fmt.Errorf("history database: %w", err)
		}
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query execution: %w", err)
		}
		return rows, nil
	}
	if ectx != nil && ectx.AcquireSession != nil {
		session, err := ectx.AcquireSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring database session: %w", err)
		}
		rows, err := session.WithContext(ctx).Raw(query).Rows()
		if err != nil {
			return nil, fmt.Errorf("query execution: %w", err)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("history database not configured")
}

// ensureConnected opens the connection on first use. The pool is sized
// for a tool, not a web server.
func (t *Tool) ensureConnected(ctx context.Context) (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		return t.db, nil
	}

	db, err := sql.Open("pgx", t.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	t.db = db
	return db, nil
}

// Close releases the database connection, if one was opened.
func (t *Tool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// validateReadOnly checks that a statement is safe for read-only
// execution.
func validateReadOnly(query string) error {
	normalized := stripLeadingComments(strings.TrimSpace(query))
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}
	upper := strings.ToUpper(normalized)

	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed (read-only mode)", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedPrefixes, ", "))
	}

	// One statement per call: semicolons are only tolerated at the end.
	trimmed := strings.TrimRight(normalized, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements not allowed; submit one query at a time")
	}
	return nil
}

// stripLeadingComments removes -- and /* */ comments from the beginning
// of a query so prefix checks see the actual statement.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

// formatRows renders rows as a tab-separated table with headers.
func formatRows(rows *sql.Rows, maxRows int) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("getting columns: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	rowCount := 0
	for rows.Next() {
		if rowCount >= maxRows {
			sb.WriteString(fmt.Sprintf("\n... [results truncated at %d rows]", maxRows))
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return "", rowCount, fmt.Errorf("scanning row %d: %w", rowCount, err)
		}
		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(formatValue(v))
		}
		sb.WriteString("\n")
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return "", rowCount, fmt.Errorf("iterating rows: %w", err)
	}
	if rowCount == 0 {
		sb.WriteString("(no rows returned)\n")
	}
	return sb.String(), rowCount, nil
}

// formatValue converts a scanned SQL value to a display string.
func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if len(s) > 500 {
			return s[:500] + "..."
		}
		return s
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// truncateQuery returns the first n characters of a query for logging.
func truncateQuery(q string, n int) string {
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) > n {
		return q[:n] + "..."
	}
	return q
}
