package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"nancy/internal/brain"
	"nancy/internal/embedding"
	"nancy/internal/logging"
	"nancy/internal/packet"
)

// SQLiteVectorStore implements brain.VectorStore on SQLite. When the
// sqlite-vec extension is available chunks are mirrored into a vec0 virtual
// table for ANN search; otherwise search falls back to a brute-force cosine
// scan over JSON-encoded embeddings.
type SQLiteVectorStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	engine    embedding.Engine
	vectorExt bool
}

// NewSQLiteVectorStore opens the vector database and initializes its schema.
func NewSQLiteVectorStore(path string, engine embedding.Engine) (*SQLiteVectorStore, error) {
	timer := logging.StartTimer(logging.CategoryVector, "NewSQLiteVectorStore")
	defer timer.Stop()

	logging.Get(logging.CategoryVector).Info("Initializing vector store at path: %s", path)

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteVectorStore{db: db, dbPath: path, engine: engine}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Get(logging.CategoryVector).Info("sqlite-vec extension detected and enabled")
		if err := s.initializeVecTable(); err != nil {
			logging.Get(logging.CategoryVector).Warn("vec0 table init failed, using cosine scan: %v", err)
			s.vectorExt = false
		}
	} else {
		logging.Get(logging.CategoryVector).Warn("sqlite-vec extension not available; using cosine scan")
	}

	return s, nil
}

func (s *SQLiteVectorStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vector_chunks (
		chunk_id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON vector_chunks(doc_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create vector schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for vec0 virtual table support.
func (s *SQLiteVectorStore) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

func (s *SQLiteVectorStore) initializeVecTable() error {
	dims := s.engine.Dimensions()
	_, err := s.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(chunk_id TEXT PRIMARY KEY, embedding float[%d])", dims))
	return err
}

// serializeFloat32 encodes a vector as the little-endian blob sqlite-vec
// expects.
func serializeFloat32(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Upsert replaces all chunks for docID inside one transaction, so a
// re-ingest of a changed document never leaves chunks from both versions.
func (s *SQLiteVectorStore) Upsert(ctx context.Context, docID string, chunks []packet.Chunk, metadata map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryVector, "Upsert")
	defer timer.Stop()

	if docID == "" {
		return fmt.Errorf("doc_id must be non-empty")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := s.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return brain.BackendUnavailable(brain.KindVector, fmt.Errorf("embedding failed: %w", err))
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: %d chunks, %d embeddings", len(chunks), len(embeddings))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Get(logging.CategoryVector).Debug("Upserting %d chunks for doc %s", len(chunks), docID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_chunks WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("failed to clear old chunks: %w", err)
	}
	if s.vectorExt {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_id LIKE ? || ':%'", docID); err != nil {
			logging.Get(logging.CategoryVector).Warn("vec_chunks cleanup failed: %v", err)
		}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	for i, chunk := range chunks {
		embJSON, err := json.Marshal(embeddings[i])
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO vector_chunks (chunk_id, doc_id, ordinal, content, embedding, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			chunk.ChunkID, docID, i, chunk.Text, string(embJSON), string(metaJSON),
		); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ChunkID, err)
		}

		if s.vectorExt {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
				chunk.ChunkID, serializeFloat32(embeddings[i]),
			); err != nil {
				return fmt.Errorf("failed to insert vec row for %s: %w", chunk.ChunkID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk upsert: %w", err)
	}
	return nil
}

// Query embeds the text and returns the k nearest chunks.
func (s *SQLiteVectorStore) Query(ctx context.Context, text string, k int, filter map[string]interface{}) ([]brain.VectorMatch, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Query")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	if k <= 0 {
		k = 10
	}

	queryVec, err := s.engine.Embed(ctx, text)
	if err != nil {
		return nil, brain.BackendUnavailable(brain.KindVector, fmt.Errorf("embedding failed: %w", err))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		matches, err := s.queryVec(ctx, queryVec, k, filter)
		if err == nil {
			return matches, nil
		}
		logging.Get(logging.CategoryVector).Warn("vec0 query failed, falling back to cosine scan: %v", err)
	}
	return s.queryScan(ctx, queryVec, k, filter)
}

// queryVec uses the vec0 virtual table for ANN search, then hydrates rows
// from vector_chunks.
func (s *SQLiteVectorStore) queryVec(ctx context.Context, queryVec []float32, k int, filter map[string]interface{}) ([]brain.VectorMatch, error) {
	// Over-fetch so metadata filtering still yields k results.
	fetch := k
	if len(filter) > 0 {
		fetch = k * 4
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, distance FROM vec_chunks WHERE embedding MATCH ? ORDER BY distance LIMIT ?`,
		serializeFloat32(queryVec), fetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		chunkID  string
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.chunkID, &h.distance); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matches := make([]brain.VectorMatch, 0, len(hits))
	for _, h := range hits {
		var m brain.VectorMatch
		var metaJSON sql.NullString
		err := s.db.QueryRowContext(ctx,
			"SELECT doc_id, content, metadata FROM vector_chunks WHERE chunk_id = ?",
			h.chunkID).Scan(&m.DocID, &m.Text, &metaJSON)
		if err != nil {
			continue
		}
		m.ChunkID = h.chunkID
		m.Distance = h.distance
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
		}
		if !matchesFilter(m.Metadata, filter) {
			continue
		}
		matches = append(matches, m)
	}
	// The extension's ordering is not trusted for ties; re-rank so both
	// query paths agree.
	return rankMatches(matches, k), nil
}

// rankMatches orders matches by distance ascending with chunk_id breaking
// ties, then truncates to k.
func rankMatches(matches []brain.VectorMatch, k int) []brain.VectorMatch {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// queryScan is the brute-force fallback: load every embedding and rank by
// cosine distance.
func (s *SQLiteVectorStore) queryScan(ctx context.Context, queryVec []float32, k int, filter map[string]interface{}) ([]brain.VectorMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_id, doc_id, content, embedding, metadata FROM vector_chunks WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []brain.VectorMatch
	for rows.Next() {
		var m brain.VectorMatch
		var embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ChunkID, &m.DocID, &m.Text, &embJSON, &metaJSON); err != nil {
			continue
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			logging.Get(logging.CategoryVector).Warn("Corrupt embedding for chunk %s: %v", m.ChunkID, err)
			continue
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
		}
		if !matchesFilter(m.Metadata, filter) {
			continue
		}

		m.Distance = embedding.CosineDistance(queryVec, vec)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rankMatches(matches, k), nil
}

// matchesFilter checks every filter key for equality against the chunk
// metadata; string comparison uses fmt formatting so numeric types match.
func matchesFilter(metadata, filter map[string]interface{}) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// DeleteDocument removes every chunk belonging to docID.
func (s *SQLiteVectorStore) DeleteDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Get(logging.CategoryVector).Debug("Deleting chunks for doc %s", docID)

	if _, err := s.db.ExecContext(ctx, "DELETE FROM vector_chunks WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if s.vectorExt {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_id LIKE ? || ':%'", docID); err != nil {
			logging.Get(logging.CategoryVector).Warn("vec_chunks cleanup failed: %v", err)
		}
	}
	return nil
}

// Health reports store availability. The embedding engine is probed when it
// supports health checks, since queries are useless without it.
func (s *SQLiteVectorStore) Health(ctx context.Context) brain.Health {
	h := pingHealth(ctx, s.db)
	if !h.OK {
		return h
	}
	if hc, ok := s.engine.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			h.OK = false
			h.Details = fmt.Sprintf("embedding engine: %v", err)
		}
	}
	return h
}

// Close closes the database connection.
func (s *SQLiteVectorStore) Close() error {
	logging.Get(logging.CategoryVector).Info("Closing vector store")
	return s.db.Close()
}
