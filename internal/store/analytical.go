package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"nancy/internal/brain"
	"nancy/internal/logging"
)

// SQLiteAnalyticalStore implements brain.AnalyticalStore on SQLite.
// It holds the documents catalog, the file_state change-detection table,
// dynamically registered tables extracted from documents, and the
// spreadsheet registry that maps sheets to their registered tables.
type SQLiteAnalyticalStore struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	queryTimeout time.Duration
}

// NewSQLiteAnalyticalStore opens the analytical database and initializes its
// schema. queryTimeout bounds each read; zero disables the bound.
func NewSQLiteAnalyticalStore(path string, queryTimeout time.Duration) (*SQLiteAnalyticalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteAnalyticalStore")
	defer timer.Stop()

	logging.Store("Initializing analytical store at path: %s", path)

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteAnalyticalStore{db: db, dbPath: path, queryTimeout: queryTimeout}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAnalyticalStore) initialize() error {
	documentsTable := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL,
		file_type TEXT,
		metadata TEXT,
		ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents(filename);
	CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(file_type);
	CREATE INDEX IF NOT EXISTS idx_documents_ingested ON documents(ingested_at);
	`

	fileStateTable := `
	CREATE TABLE IF NOT EXISTS file_state (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		last_modified DATETIME,
		size INTEGER,
		processing_status TEXT NOT NULL DEFAULT 'pending',
		doc_id TEXT,
		error_message TEXT,
		root TEXT,
		relative_path TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_file_state_status ON file_state(processing_status);
	CREATE INDEX IF NOT EXISTS idx_file_state_doc ON file_state(doc_id);
	`

	registryTable := `
	CREATE TABLE IF NOT EXISTS table_registry (
		doc_id TEXT NOT NULL,
		sheet_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		column_count INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (doc_id, sheet_name)
	);
	CREATE INDEX IF NOT EXISTS idx_registry_table ON table_registry(table_name);
	`

	for _, table := range []string{documentsTable, fileStateTable, registryTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create analytical schema: %w", err)
		}
	}
	return nil
}

// UpsertDocumentMetadata records a document row. Idempotent on doc_id.
func (s *SQLiteAnalyticalStore) UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertDocumentMetadata")
	defer timer.Stop()

	if docID == "" {
		return fmt.Errorf("doc_id must be non-empty")
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Upserting document %s (%s, %d bytes)", docID, filename, size)

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (doc_id, filename, size, file_type, metadata, ingested_at)
		 VALUES (?, ?, ?, ?, ?, COALESCE((SELECT ingested_at FROM documents WHERE doc_id = ?), CURRENT_TIMESTAMP))`,
		docID, filename, size, fileType, string(metaJSON), docID,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to upsert document %s: %v", docID, err)
		return err
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// normalizeIdentifier converts an arbitrary name into a safe SQL identifier.
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
// and records it in the registry. Column names are normalized to
// identifier-safe form; the physical table name is derived from doc_id and
// the sheet name.
func (s *SQLiteAnalyticalStore) RegisterTable(ctx context.Context, docID, tableName string, columns []string, rows [][]interface{}) error {
	timer := logging.StartTimer(logging.CategoryStore, "RegisterTable")
	defer timer.Stop()

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
		// Deduplicate collisions after normalization.
		if count := seen[n]; count > 0 {
			n = fmt.Sprintf("%s_%d", n, count+1)
		}
		seen[normalizeIdentifier(c)]++
		cols[i] = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Registering table %s (%d columns, %d rows)", physical, len(cols), len(rows))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, physical)); err != nil {
		return fmt.Errorf("failed to drop stale table: %w", err)
	}

	colDefs := make([]string, len(cols))
	for i, c := range cols {
		colDefs[i] = fmt.Sprintf(`"%s" TEXT`, c)
	}
	create := fmt.Sprintf(`CREATE TABLE "%s" (%s)`, physical, strings.Join(colDefs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", physical, err)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	insert := fmt.Sprintf(`INSERT INTO "%s" VALUES %s`, physical, placeholders)
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
		`INSERT OR REPLACE INTO table_registry (doc_id, sheet_name, table_name, row_count, column_count)
		 VALUES (?, ?, ?, ?, ?)`,
		docID, tableName, physical, len(rows), len(cols),
	); err != nil {
		return fmt.Errorf("failed to update table registry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit table registration: %w", err)
	}
	return nil
}

// RegisteredTables returns the registry rows for a document; docID "" lists
// everything.
func (s *SQLiteAnalyticalStore) RegisteredTables(ctx context.Context, docID string) ([]map[string]interface{}, error) {
	if docID == "" {
		return s.QuerySQL(ctx, "SELECT doc_id, sheet_name, table_name, row_count, column_count FROM table_registry ORDER BY doc_id, sheet_name")
	}
	return s.QuerySQL(ctx, "SELECT doc_id, sheet_name, table_name, row_count, column_count FROM table_registry WHERE doc_id = ? ORDER BY sheet_name", docID)
}

// QueryDocuments returns document rows matching the filter.
func (s *SQLiteAnalyticalStore) QueryDocuments(ctx context.Context, filter brain.DocumentFilter) ([]brain.DocumentRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "QueryDocuments")
	defer timer.Stop()

	var conds []string
	var args []interface{}

	if len(filter.FileTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.FileTypes)), ",")
		conds = append(conds, fmt.Sprintf("file_type IN (%s)", placeholders))
		for _, t := range filter.FileTypes {
			args = append(args, t)
		}
	}
	if filter.FilenameSubstring != "" {
		conds = append(conds, "filename LIKE ?")
		args = append(args, "%"+filter.FilenameSubstring+"%")
	}
	if filter.MinSize > 0 {
		conds = append(conds, "size >= ?")
		args = append(args, filter.MinSize)
	}
	if filter.MaxSize > 0 {
		conds = append(conds, "size <= ?")
		args = append(args, filter.MaxSize)
	}
	if !filter.IngestedAfter.IsZero() {
		conds = append(conds, "ingested_at >= ?")
		args = append(args, filter.IngestedAfter.UTC())
	}
	if !filter.IngestedBefore.IsZero() {
		conds = append(conds, "ingested_at <= ?")
		args = append(args, filter.IngestedBefore.UTC())
	}

	query := "SELECT doc_id, filename, size, file_type, metadata, ingested_at FROM documents"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ingested_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []brain.DocumentRecord
	err := ReadWithRetry(ctx, brain.KindAnalytical, "QueryDocuments", s.queryTimeout, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("document query failed: %w", err)
		}
		defer rows.Close()

		var out []brain.DocumentRecord
		for rows.Next() {
			var r brain.DocumentRecord
			var fileType, metaJSON sql.NullString
			if err := rows.Scan(&r.DocID, &r.Filename, &r.Size, &fileType, &metaJSON, &r.IngestedAt); err != nil {
				logging.Get(logging.CategoryStore).Warn("Document row scan failed: %v", err)
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
	return records, err
}

// QuerySQL runs a read-only ad-hoc query. Writes are rejected; this is an
// internal escape hatch, never fed raw user input.
func (s *SQLiteAnalyticalStore) QuerySQL(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		return nil, fmt.Errorf("only SELECT queries are permitted")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []map[string]interface{}
	err := ReadWithRetry(ctx, brain.KindAnalytical, "QuerySQL", s.queryTimeout, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("ad-hoc query failed: %w", err)
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
	return out, err
}

// UpsertFileState records the observed state of a file. The returned changed
// flag is true when the file is new, its content hash differs from the last
// recorded one, or its last processing did not complete.
func (s *SQLiteAnalyticalStore) UpsertFileState(ctx context.Context, state brain.FileState) (bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertFileState")
	defer timer.Stop()

	if state.Path == "" {
		return false, fmt.Errorf("file path must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevHash, prevStatus string
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash, processing_status FROM file_state WHERE path = ?",
		state.Path).Scan(&prevHash, &prevStatus)

	changed := true
	switch {
	case err == sql.ErrNoRows:
		// New file.
	case err != nil:
		return false, fmt.Errorf("file_state lookup failed: %w", err)
	default:
		changed = prevHash != state.ContentHash || prevStatus != brain.FileStateCompleted
	}

	status := state.ProcessingStatus
	if status == "" {
		status = brain.FileStatePending
	}
	if !changed {
		// Unchanged and completed: keep the completed row intact.
		status = prevStatus
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_state
		 (path, content_hash, last_modified, size, processing_status, doc_id, error_message, root, relative_path, updated_at)
		 VALUES (?, ?, ?, ?, ?,
		         COALESCE(NULLIF(?, ''), (SELECT doc_id FROM file_state WHERE path = ?)),
		         ?, ?, ?, CURRENT_TIMESTAMP)`,
		state.Path, state.ContentHash, state.LastModified.UTC(), state.Size, status,
		state.DocID, state.Path, state.ErrorMessage, state.Root, state.RelativePath,
	)
	if err != nil {
		return false, fmt.Errorf("file_state upsert failed: %w", err)
	}

	logging.StoreDebug("File state upserted: %s changed=%v status=%s", state.Path, changed, status)
	return changed, nil
}

// MarkFileProcessed transitions a file_state row after ingestion.
func (s *SQLiteAnalyticalStore) MarkFileProcessed(ctx context.Context, path, docID, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE file_state SET processing_status = ?, doc_id = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE path = ?`,
		status, docID, errorMessage, path,
	)
	if err != nil {
		return fmt.Errorf("file_state update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no file_state row for path %s", path)
	}
	return nil
}

// FileStates returns every tracked file under root; root "" means all.
func (s *SQLiteAnalyticalStore) FileStates(ctx context.Context, root string) ([]brain.FileState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT path, content_hash, last_modified, size, processing_status, COALESCE(doc_id, ''), COALESCE(error_message, ''), COALESCE(root, ''), COALESCE(relative_path, '') FROM file_state"
	var args []interface{}
	if root != "" {
		query += " WHERE root = ?"
		args = append(args, root)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []brain.FileState
	for rows.Next() {
		var st brain.FileState
		var modified sql.NullTime
		if err := rows.Scan(&st.Path, &st.ContentHash, &modified, &st.Size, &st.ProcessingStatus,
			&st.DocID, &st.ErrorMessage, &st.Root, &st.RelativePath); err != nil {
			continue
		}
		if modified.Valid {
			st.LastModified = modified.Time
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// Health reports store availability.
func (s *SQLiteAnalyticalStore) Health(ctx context.Context) brain.Health {
	return pingHealth(ctx, s.db)
}

// Stats returns row counts for the fixed tables.
func (s *SQLiteAnalyticalStore) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"documents", "file_state", "table_registry"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteAnalyticalStore) Close() error {
	logging.Store("Closing analytical store")
	return s.db.Close()
}
