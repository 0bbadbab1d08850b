// Package pgstore is the PostgreSQL analytical backend. It mirrors the
// SQLite analytical store's schema and semantics for deployments that keep
// document metadata in a shared database. All calls run through a circuit
// breaker: PostgreSQL is a network dependency, and ingestion must degrade
// instead of piling up on a dead connection.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sony/gobreaker"

	"nancy/internal/brain"
	"nancy/internal/logging"
	"nancy/internal/store"
)

// Store implements brain.AnalyticalStore on PostgreSQL.
type Store struct {
	db           *sql.DB
	breaker      *gobreaker.CircuitBreaker
	queryTimeout time.Duration
}

// New opens a PostgreSQL-backed analytical store. The connection is lazy;
// the first operation (or Health) dials. queryTimeout bounds each read;
// zero disables the bound.
func New(dsn string, queryTimeout time.Duration) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "pgstore.New")
	defer timer.Stop()

	logging.Store("Initializing postgres analytical store")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		db:           db,
		queryTimeout: queryTimeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "analytical-postgres",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Get(logging.CategoryStore).Warn("Circuit breaker %s: %v -> %v", name, from, to)
			},
		}),
	}

	if err := s.initialize(context.Background()); err != nil {
		// Schema creation needs a live server; defer to first use when the
		// server is not up yet.
		logging.Get(logging.CategoryStore).Warn("Deferred postgres schema init: %v", err)
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			size BIGINT NOT NULL,
			file_type TEXT,
			metadata JSONB,
			ingested_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents(filename)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(file_type)`,
		`CREATE TABLE IF NOT EXISTS file_state (
			path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			last_modified TIMESTAMPTZ,
			size BIGINT,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			doc_id TEXT,
			error_message TEXT,
			root TEXT,
			relative_path TEXT,
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS table_registry (
			doc_id TEXT NOT NULL,
			sheet_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			column_count INTEGER NOT NULL,
			created_at TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (doc_id, sheet_name)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create postgres schema: %w", err)
		}
	}
	return nil
}

// exec runs fn through the circuit breaker.
func (s *Store) exec(fn func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return brain.BackendUnavailable(brain.KindAnalytical, err)
	}
	return err
}

// UpsertDocumentMetadata records a document row. Idempotent on doc_id.
func (s *Store) UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]interface{}) error {
	if docID == "" {
		return fmt.Errorf("doc_id must be non-empty")
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	return s.exec(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (doc_id, filename, size, file_type, metadata)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (doc_id) DO UPDATE
			 SET filename = EXCLUDED.filename, size = EXCLUDED.size,
			     file_type = EXCLUDED.file_type, metadata = EXCLUDED.metadata`,
			docID, filename, size, fileType, string(metaJSON))
		return err
	})
}

var identifierPattern = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func normalizeIdentifier(name string) string {
	n := identifierPattern.ReplaceAllString(strings.TrimSpace(name), "_")
	n = strings.Trim(n, "_")
	if n == "" {
		n = "col"
	}
	if n[0] >= '0' && n[0] <= '9' {
		n = "_" + n
	}
	return strings.ToLower(n)
}

// RegisterTable creates (or replaces) a data table extracted from a document
// and records it in the registry.
func (s *Store) RegisterTable(ctx context.Context, docID, tableName string, columns []string, rows [][]interface{}) error {
	if docID == "" || tableName == "" {
		return fmt.Errorf("doc_id and table name must be non-empty")
	}
	if len(columns) == 0 {
		return fmt.Errorf("table %s has no columns", tableName)
	}

	physical := fmt.Sprintf("data_%s_%s", normalizeIdentifier(docID), normalizeIdentifier(tableName))

	cols := make([]string, len(columns))
	seen := make(map[string]int)
	for i, c := range columns {
		n := normalizeIdentifier(c)
		if count := seen[n]; count > 0 {
			n = fmt.Sprintf("%s_%d", n, count+1)
		}
		seen[normalizeIdentifier(c)]++
		cols[i] = n
	}

	return s.exec(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, physical)); err != nil {
			return err
		}

		colDefs := make([]string, len(cols))
		for i, c := range cols {
			colDefs[i] = fmt.Sprintf(`"%s" TEXT`, c)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`CREATE TABLE "%s" (%s)`, physical, strings.Join(colDefs, ", "))); err != nil {
			return err
		}

		placeholders := make([]string, len(cols))
		for i := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		insert := fmt.Sprintf(`INSERT INTO "%s" VALUES (%s)`, physical, strings.Join(placeholders, ", "))
		for i, row := range rows {
			if len(row) != len(cols) {
				return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(cols))
			}
			vals := make([]interface{}, len(row))
			for j, v := range row {
				vals[j] = fmt.Sprintf("%v", v)
			}
			if _, err := tx.ExecContext(ctx, insert, vals...); err != nil {
				return fmt.Errorf("failed to insert row %d: %w", i, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO table_registry (doc_id, sheet_name, table_name, row_count, column_count)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (doc_id, sheet_name) DO UPDATE
			 SET table_name = EXCLUDED.table_name, row_count = EXCLUDED.row_count,
			     column_count = EXCLUDED.column_count, created_at = now()`,
			docID, tableName, physical, len(rows), len(cols)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// QueryDocuments returns document rows matching the filter.
func (s *Store) QueryDocuments(ctx context.Context, filter brain.DocumentFilter) ([]brain.DocumentRecord, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.FileTypes) > 0 {
		placeholders := make([]string, len(filter.FileTypes))
		for i, t := range filter.FileTypes {
			placeholders[i] = arg(t)
		}
		conds = append(conds, fmt.Sprintf("file_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.FilenameSubstring != "" {
		conds = append(conds, fmt.Sprintf("filename ILIKE %s", arg("%"+filter.FilenameSubstring+"%")))
	}
	if filter.MinSize > 0 {
		conds = append(conds, fmt.Sprintf("size >= %s", arg(filter.MinSize)))
	}
	if filter.MaxSize > 0 {
		conds = append(conds, fmt.Sprintf("size <= %s", arg(filter.MaxSize)))
	}
	if !filter.IngestedAfter.IsZero() {
		conds = append(conds, fmt.Sprintf("ingested_at >= %s", arg(filter.IngestedAfter.UTC())))
	}
	if !filter.IngestedBefore.IsZero() {
		conds = append(conds, fmt.Sprintf("ingested_at <= %s", arg(filter.IngestedBefore.UTC())))
	}

	query := "SELECT doc_id, filename, size, file_type, metadata, ingested_at FROM documents"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ingested_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	var records []brain.DocumentRecord
	err := store.ReadWithRetry(ctx, brain.KindAnalytical, "QueryDocuments", s.queryTimeout, func(ctx context.Context) error {
		return s.exec(func() error {
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			var out []brain.DocumentRecord
			for rows.Next() {
				var r brain.DocumentRecord
				var fileType, metaJSON sql.NullString
				if err := rows.Scan(&r.DocID, &r.Filename, &r.Size, &fileType, &metaJSON, &r.IngestedAt); err != nil {
					continue
				}
				r.FileType = fileType.String
				if metaJSON.Valid && metaJSON.String != "" {
					_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
				}
				out = append(out, r)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			records = out
			return nil
		})
	})
	return records, err
}

// QuerySQL runs a read-only ad-hoc query.
func (s *Store) QuerySQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		return nil, fmt.Errorf("only SELECT queries are permitted")
	}

	var out []map[string]interface{}
	err := store.ReadWithRetry(ctx, brain.KindAnalytical, "QuerySQL", s.queryTimeout, func(ctx context.Context) error {
		return s.exec(func() error {
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			cols, err := rows.Columns()
			if err != nil {
				return err
			}
			var result []map[string]interface{}
			for rows.Next() {
				vals := make([]interface{}, len(cols))
				ptrs := make([]interface{}, len(cols))
				for i := range vals {
					ptrs[i] = &vals[i]
				}
				if err := rows.Scan(ptrs...); err != nil {
					return err
				}
				row := make(map[string]interface{}, len(cols))
				for i, c := range cols {
					if b, ok := vals[i].([]byte); ok {
						row[c] = string(b)
					} else {
						row[c] = vals[i]
					}
				}
				result = append(result, row)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			out = result
			return nil
		})
	})
	return out, err
}

// UpsertFileState records the observed state of a file and reports change.
func (s *Store) UpsertFileState(ctx context.Context, state brain.FileState) (bool, error) {
	if state.Path == "" {
		return false, fmt.Errorf("file path must be non-empty")
	}

	changed := true
	err := s.exec(func() error {
		var prevHash, prevStatus string
		err := s.db.QueryRowContext(ctx,
			"SELECT content_hash, processing_status FROM file_state WHERE path = $1",
			state.Path).Scan(&prevHash, &prevStatus)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return err
		default:
			changed = prevHash != state.ContentHash || prevStatus != brain.FileStateCompleted
		}

		status := state.ProcessingStatus
		if status == "" {
			status = brain.FileStatePending
		}
		if !changed {
			status = prevStatus
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO file_state (path, content_hash, last_modified, size, processing_status, doc_id, error_message, root, relative_path)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
			 ON CONFLICT (path) DO UPDATE
			 SET content_hash = EXCLUDED.content_hash, last_modified = EXCLUDED.last_modified,
			     size = EXCLUDED.size, processing_status = EXCLUDED.processing_status,
			     doc_id = COALESCE(EXCLUDED.doc_id, file_state.doc_id),
			     error_message = EXCLUDED.error_message, root = EXCLUDED.root,
			     relative_path = EXCLUDED.relative_path, updated_at = now()`,
			state.Path, state.ContentHash, state.LastModified.UTC(), state.Size, status,
			state.DocID, state.ErrorMessage, state.Root, state.RelativePath)
		return err
	})
	return changed, err
}

// MarkFileProcessed transitions a file_state row after ingestion.
func (s *Store) MarkFileProcessed(ctx context.Context, path, docID, status, errorMessage string) error {
	return s.exec(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE file_state SET processing_status = $1, doc_id = $2, error_message = $3, updated_at = now()
			 WHERE path = $4`,
			status, docID, errorMessage, path)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("no file_state row for path %s", path)
		}
		return nil
	})
}

// Health reports store availability with latency.
func (s *Store) Health(ctx context.Context) brain.Health {
	start := time.Now()
	err := s.exec(func() error {
		return s.db.PingContext(ctx)
	})
	h := brain.Health{OK: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Details = err.Error()
	}
	return h
}

// Close closes the connection pool.
func (s *Store) Close() error {
	logging.Store("Closing postgres analytical store")
	return s.db.Close()
}
