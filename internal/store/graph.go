package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"nancy/internal/brain"
	"nancy/internal/logging"
)

// SQLiteGraphStore implements brain.GraphStore on SQLite with a plain
// nodes/edges relational layout. MERGE semantics come from unique keys plus
// property merging on upsert; traversal is bounded BFS in Go.
type SQLiteGraphStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	dbPath   string
	maxDepth int
}

// NewSQLiteGraphStore opens the graph database and initializes its schema.
// maxDepth clamps every traversal; the foundational schema contains cycles.
func NewSQLiteGraphStore(path string, maxDepth int) (*SQLiteGraphStore, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "NewSQLiteGraphStore")
	defer timer.Stop()

	if maxDepth <= 0 {
		maxDepth = 3
	}

	logging.Get(logging.CategoryGraph).Info("Initializing graph store at path: %s (maxDepth=%d)", path, maxDepth)

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteGraphStore{db: db, dbPath: path, maxDepth: maxDepth}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteGraphStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		label TEXT NOT NULL,
		name TEXT NOT NULL,
		properties TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (label, name)
	);

	CREATE TABLE IF NOT EXISTS edges (
		source_label TEXT NOT NULL,
		source_name TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		target_label TEXT NOT NULL,
		target_name TEXT NOT NULL,
		properties TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source_label, source_name, edge_type, target_label, target_name)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_label, source_name);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_label, target_name);
	CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(edge_type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// mergeProperties overlays update onto existing; update wins per key.
func mergeProperties(existingJSON string, update map[string]interface{}) (string, error) {
	merged := make(map[string]interface{})
	if existingJSON != "" {
		if err := json.Unmarshal([]byte(existingJSON), &merged); err != nil {
			// Corrupt row properties are replaced rather than poisoning the write.
			merged = make(map[string]interface{})
		}
	}
	for k, v := range update {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("failed to marshal properties: %w", err)
	}
	return string(out), nil
}

// UpsertNode has MERGE semantics on (label, name).
func (s *SQLiteGraphStore) UpsertNode(ctx context.Context, label, name string, properties map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryGraph, "UpsertNode")
	defer timer.Stop()

	if label == "" || name == "" {
		return fmt.Errorf("node label and name must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT properties FROM nodes WHERE label = ? AND name = ?", label, name).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("node lookup failed: %w", err)
	}

	propsJSON, err := mergeProperties(existing.String, properties)
	if err != nil {
		return err
	}

	logging.Get(logging.CategoryGraph).Debug("Upserting node %s:%s", label, name)

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO nodes (label, name, properties, created_at, updated_at)
		 VALUES (?, ?, ?, COALESCE((SELECT created_at FROM nodes WHERE label = ? AND name = ?), CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)`,
		label, name, propsJSON, label, name,
	)
	if err != nil {
		logging.Get(logging.CategoryGraph).Error("Failed to upsert node %s:%s: %v", label, name, err)
	}
	return err
}

// UpsertEdge has MERGE semantics on (source, type, target). Endpoint nodes
// are created implicitly so a relationship never references a ghost node.
func (s *SQLiteGraphStore) UpsertEdge(ctx context.Context, source brain.NodeRef, edgeType string, target brain.NodeRef, properties map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryGraph, "UpsertEdge")
	defer timer.Stop()

	if source.Label == "" || source.Name == "" || target.Label == "" || target.Name == "" || edgeType == "" {
		return fmt.Errorf("edge endpoints and type must be non-empty")
	}

	for _, ref := range []brain.NodeRef{source, target} {
		if err := s.ensureNode(ctx, ref); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT properties FROM edges
		 WHERE source_label = ? AND source_name = ? AND edge_type = ? AND target_label = ? AND target_name = ?`,
		source.Label, source.Name, edgeType, target.Label, target.Name).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("edge lookup failed: %w", err)
	}

	propsJSON, err := mergeProperties(existing.String, properties)
	if err != nil {
		return err
	}

	logging.Get(logging.CategoryGraph).Debug("Upserting edge %s:%s -[%s]-> %s:%s",
		source.Label, source.Name, edgeType, target.Label, target.Name)

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO edges
		 (source_label, source_name, edge_type, target_label, target_name, properties, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?,
		         COALESCE((SELECT created_at FROM edges WHERE source_label = ? AND source_name = ? AND edge_type = ? AND target_label = ? AND target_name = ?), CURRENT_TIMESTAMP),
		         CURRENT_TIMESTAMP)`,
		source.Label, source.Name, edgeType, target.Label, target.Name, propsJSON,
		source.Label, source.Name, edgeType, target.Label, target.Name,
	)
	return err
}

// ensureNode inserts a bare node row if none exists.
func (s *SQLiteGraphStore) ensureNode(ctx context.Context, ref brain.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO nodes (label, name, properties) VALUES (?, ?, '{}')",
		ref.Label, ref.Name)
	return err
}

// edgesFromLocked returns outgoing edges for a node. Caller holds s.mu.
func (s *SQLiteGraphStore) edgesFromLocked(ctx context.Context, ref brain.NodeRef, filter brain.EdgeFilter) ([]brain.Edge, error) {
	query := `SELECT source_label, source_name, edge_type, target_label, target_name, properties
	          FROM edges WHERE source_label = ? AND source_name = ?`
	args := []interface{}{ref.Label, ref.Name}

	if len(filter.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Types)), ",")
		query += fmt.Sprintf(" AND edge_type IN (%s)", placeholders)
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEdges(rows), rows.Err()
}

func scanEdges(rows *sql.Rows) []brain.Edge {
	var edges []brain.Edge
	for rows.Next() {
		var e brain.Edge
		var propsJSON sql.NullString
		if err := rows.Scan(&e.Source.Label, &e.Source.Name, &e.Type, &e.Target.Label, &e.Target.Name, &propsJSON); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Edge row scan failed: %v", err)
			continue
		}
		if propsJSON.Valid && propsJSON.String != "" && propsJSON.String != "{}" {
			if err := json.Unmarshal([]byte(propsJSON.String), &e.Properties); err != nil {
				logging.Get(logging.CategoryGraph).Warn("Edge properties unmarshal failed for %s:%s -[%s]->: %v",
					e.Source.Label, e.Source.Name, e.Type, err)
			}
		}
		edges = append(edges, e)
	}
	return edges
}

// Neighbors expands from ref up to depth hops using BFS with a cameFrom map,
// returning one path per reached node. Depth is clamped to the configured
// maximum because the foundational schema contains cycles.
func (s *SQLiteGraphStore) Neighbors(ctx context.Context, ref brain.NodeRef, filter brain.EdgeFilter, depth int) ([]brain.Path, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Neighbors")
	defer timer.Stop()

	if depth <= 0 || depth > s.maxDepth {
		depth = s.maxDepth
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logging.Get(logging.CategoryGraph).Debug("Graph traversal from %s:%s (depth=%d)", ref.Label, ref.Name, depth)

	type queueItem struct {
		node  brain.NodeRef
		depth int
	}

	// cameFrom maps a node to the edge that reached it; nil marks the start.
	cameFrom := make(map[brain.NodeRef]*brain.Edge)
	cameFrom[ref] = nil
	queue := []queueItem{{node: ref, depth: 0}}

	var reached []brain.NodeRef

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= depth {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		edges, err := s.edgesFromLocked(ctx, current.node, filter)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if _, visited := cameFrom[edge.Target]; visited {
				continue
			}
			e := edge
			cameFrom[edge.Target] = &e
			reached = append(reached, edge.Target)
			queue = append(queue, queueItem{node: edge.Target, depth: current.depth + 1})
		}
	}

	// Reconstruct one path per reached node by backtracking.
	paths := make([]brain.Path, 0, len(reached))
	for _, node := range reached {
		var chain []brain.Edge
		for curr := node; ; {
			edge := cameFrom[curr]
			if edge == nil {
				break
			}
			chain = append([]brain.Edge{*edge}, chain...)
			curr = edge.Source
		}
		paths = append(paths, brain.Path{Edges: chain})
	}

	logging.Get(logging.CategoryGraph).Debug("Traversal reached %d nodes", len(reached))
	return paths, nil
}

// AuthoredDocuments returns document names authored by person.
func (s *SQLiteGraphStore) AuthoredDocuments(ctx context.Context, person string) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "AuthoredDocuments")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_name FROM edges
		 WHERE source_label = ? AND source_name = ? AND edge_type = ? AND target_label = ?
		 ORDER BY target_name`,
		brain.NodePerson, person, brain.EdgeAuthored, brain.NodeDocument)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		docs = append(docs, name)
	}
	return docs, rows.Err()
}

// ExpertiseFor returns DISCUSSES edges touching the named person or topic.
// For a person it reports what they discuss; for a concept it reports who
// discusses it.
func (s *SQLiteGraphStore) ExpertiseFor(ctx context.Context, topicOrPerson string) ([]brain.Edge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "ExpertiseFor")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_label, source_name, edge_type, target_label, target_name, properties
		 FROM edges
		 WHERE edge_type = ? AND (source_name = ? OR target_name = ?)`,
		brain.EdgeDiscusses, topicOrPerson, topicOrPerson)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEdges(rows), rows.Err()
}

// DecisionProvenance returns chains explaining why a decision touching topic
// was made: the decision, its maker, and what influenced or led to it.
func (s *SQLiteGraphStore) DecisionProvenance(ctx context.Context, topic string) ([]brain.Path, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "DecisionProvenance")
	defer timer.Stop()

	s.mu.RLock()

	// Decisions that affect or target the topic, or match it by name.
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source_name FROM edges
		 WHERE source_label = ? AND (target_name = ? OR source_name LIKE '%' || ? || '%')
		 UNION
		 SELECT name FROM nodes WHERE label = ? AND name LIKE '%' || ? || '%'`,
		brain.NodeDecision, topic, topic, brain.NodeDecision, topic)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}

	var decisions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		decisions = append(decisions, name)
	}
	rows.Close()
	s.mu.RUnlock()

	provenanceTypes := brain.EdgeFilter{Types: []string{
		brain.EdgeDecisionMade, brain.EdgeInfluencedBy, brain.EdgeLedTo,
		brain.EdgeResultedIn, brain.EdgeAffects, brain.EdgeConstrains,
	}}

	var paths []brain.Path
	for _, decision := range decisions {
		ref := brain.NodeRef{Label: brain.NodeDecision, Name: decision}

		// Outgoing provenance chains from the decision.
		out, err := s.Neighbors(ctx, ref, provenanceTypes, 2)
		if err != nil {
			return nil, err
		}
		paths = append(paths, out...)

		// Who made it.
		s.mu.RLock()
		makerRows, err := s.db.QueryContext(ctx,
			`SELECT source_label, source_name, edge_type, target_label, target_name, properties
			 FROM edges WHERE edge_type = ? AND target_label = ? AND target_name = ?`,
			brain.EdgeDecisionMade, brain.NodeDecision, decision)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		makers := scanEdges(makerRows)
		makerRows.Close()
		s.mu.RUnlock()

		for _, m := range makers {
			paths = append(paths, brain.Path{Edges: []brain.Edge{m}})
		}
	}
	return paths, nil
}

// Collaborations returns COLLABORATES_WITH edges touching person, plus
// co-attendance pairs derived from shared meetings.
func (s *SQLiteGraphStore) Collaborations(ctx context.Context, person string) ([]brain.Edge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Collaborations")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_label, source_name, edge_type, target_label, target_name, properties
		 FROM edges
		 WHERE edge_type = ? AND (source_name = ? OR target_name = ?)`,
		brain.EdgeCollaboratesWith, person, person)
	if err != nil {
		return nil, err
	}
	edges := scanEdges(rows)
	rows.Close()

	// Co-attendance: two ATTENDED edges into the same meeting imply a
	// collaboration pair.
	coRows, err := s.db.QueryContext(ctx,
		`SELECT a.source_label, a.source_name, a.edge_type, b.source_label, b.source_name, a.properties
		 FROM edges a JOIN edges b
		   ON a.target_label = b.target_label AND a.target_name = b.target_name
		 WHERE a.edge_type = ? AND b.edge_type = ?
		   AND a.target_label = ?
		   AND a.source_name = ? AND b.source_name != ?`,
		brain.EdgeAttended, brain.EdgeAttended, brain.NodeMeeting, person, person)
	if err != nil {
		return nil, err
	}
	defer coRows.Close()

	for coRows.Next() {
		var e brain.Edge
		var propsJSON sql.NullString
		if err := coRows.Scan(&e.Source.Label, &e.Source.Name, &e.Type, &e.Target.Label, &e.Target.Name, &propsJSON); err != nil {
			continue
		}
		e.Type = brain.EdgeCollaboratesWith
		edges = append(edges, e)
	}
	return edges, coRows.Err()
}

// CrossReferences returns every REFERENCES edge between documents.
func (s *SQLiteGraphStore) CrossReferences(ctx context.Context) ([]brain.Edge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "CrossReferences")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_label, source_name, edge_type, target_label, target_name, properties
		 FROM edges
		 WHERE edge_type = ? AND source_label = ? AND target_label = ?`,
		brain.EdgeReferences, brain.NodeDocument, brain.NodeDocument)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEdges(rows), rows.Err()
}

// NodeProperties returns the stored properties for a node, or nil when the
// node does not exist.
func (s *SQLiteGraphStore) NodeProperties(ctx context.Context, ref brain.NodeRef) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var propsJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT properties FROM nodes WHERE label = ? AND name = ?",
		ref.Label, ref.Name).Scan(&propsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	props := make(map[string]interface{})
	if propsJSON.Valid && propsJSON.String != "" {
		if err := json.Unmarshal([]byte(propsJSON.String), &props); err != nil {
			return nil, fmt.Errorf("corrupt node properties: %w", err)
		}
	}
	return props, nil
}

// Health reports store availability.
func (s *SQLiteGraphStore) Health(ctx context.Context) brain.Health {
	return pingHealth(ctx, s.db)
}

// Stats returns node and edge counts.
func (s *SQLiteGraphStore) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"nodes", "edges"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteGraphStore) Close() error {
	logging.Get(logging.CategoryGraph).Info("Closing graph store")
	return s.db.Close()
}
