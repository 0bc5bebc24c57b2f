// Package store implements durable, embedded persistence for
// DecisionNode, ParticipantStance, and DecisionSimilarity, backed by a
// single SQLite file.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kaigi-labs/kaigi/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// MaxSimilarityEdges is the top-N retention cap applied by
// ReplaceSimilarities.
const MaxSimilarityEdges = 20

// DB wraps a single-file SQLite database. Writes are serialized through
// writeMu; reads do not take writeMu. The pool is capped at one
// connection, so reads and writes share it and run one at a time.
type DB struct {
	sqlDB   *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// Open opens (creating if necessary) a SQLite database at path and
// applies all embedded migrations idempotently.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // single-writer discipline at the connection level too

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db := &DB{sqlDB: sqlDB, logger: logger}
	if err := db.runMigrations(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.sqlDB.Close()
}

func (db *DB) runMigrations(ctx context.Context) error {
	if _, err := db.sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create meta table: %w", err)
	}

	var version int
	err := db.sqlDB.QueryRowContext(ctx, `SELECT version FROM meta WHERE id = 1`).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied := version
	for i, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if i < version {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", entry.Name(), err)
		}
		db.logger.Info("store: running migration", "file", entry.Name())
		if _, err := db.sqlDB.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("store: execute migration %s: %w", entry.Name(), err)
		}
		applied = i + 1
	}

	_, err = db.sqlDB.ExecContext(ctx,
		`INSERT INTO meta (id, version) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET version = excluded.version`,
		applied)
	if err != nil {
		return fmt.Errorf("store: record schema version: %w", err)
	}
	return nil
}

// SaveDecision atomically inserts a DecisionNode and its ParticipantStances.
func (db *DB) SaveDecision(ctx context.Context, node model.DecisionNode, stances []model.ParticipantStance) (uuid.UUID, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	if node.Timestamp.IsZero() {
		node.Timestamp = time.Now().UTC()
	}
	if node.MetadataBlob == nil {
		node.MetadataBlob = map[string]any{}
	}

	participantsJSON, err := json.Marshal(node.Participants)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: marshal participants: %w", err)
	}
	metadataJSON, err := json.Marshal(node.MetadataBlob)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: marshal metadata: %w", err)
	}

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: begin save decision tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO decision_nodes (id, question, question_normalized, consensus_status, winning_option, participants, timestamp, metadata_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID.String(), node.Question, node.QuestionNormalized, string(node.ConsensusStatus),
		node.WinningOption, string(participantsJSON), node.Timestamp.UTC().Format(time.RFC3339Nano), string(metadataJSON),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: insert decision node: %w", err)
	}

	for _, s := range stances {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO participant_stances (decision_id, participant_id, vote_option, confidence, rationale)
			 VALUES (?, ?, ?, ?, ?)`,
			node.ID.String(), s.ParticipantID, s.VoteOption, s.Confidence, s.Rationale,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("store: insert participant stance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("store: commit save decision: %w", err)
	}
	return node.ID, nil
}

// GetRecent returns the most recently persisted decisions, newest first.
func (db *DB) GetRecent(ctx context.Context, limit int) ([]model.DecisionNode, error) {
	rows, err := db.sqlDB.QueryContext(ctx,
		`SELECT id, question, question_normalized, consensus_status, winning_option, participants, timestamp, metadata_blob
		 FROM decision_nodes ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get recent: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetByID fetches a single DecisionNode by id.
func (db *DB) GetByID(ctx context.Context, id uuid.UUID) (model.DecisionNode, error) {
	row := db.sqlDB.QueryRowContext(ctx,
		`SELECT id, question, question_normalized, consensus_status, winning_option, participants, timestamp, metadata_blob
		 FROM decision_nodes WHERE id = ?`, id.String())

	var n model.DecisionNode
	var idStr, participantsJSON, metadataJSON, ts string
	var winningOption sql.NullString
	err := row.Scan(&idStr, &n.Question, &n.QuestionNormalized, &n.ConsensusStatus, &winningOption, &participantsJSON, &ts, &metadataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DecisionNode{}, fmt.Errorf("store: decision %s: %w", id, ErrNotFound)
		}
		return model.DecisionNode{}, fmt.Errorf("store: get by id: %w", err)
	}
	if err := hydrateNode(&n, idStr, participantsJSON, metadataJSON, ts, winningOption); err != nil {
		return model.DecisionNode{}, err
	}
	return n, nil
}

// GetSimilar returns decisions similar to sourceID with score >= minScore,
// ordered by score desc, capped at limit.
func (db *DB) GetSimilar(ctx context.Context, sourceID uuid.UUID, minScore float64, limit int) ([]SimilarDecision, error) {
	rows, err := db.sqlDB.QueryContext(ctx,
		`SELECT n.id, n.question, n.question_normalized, n.consensus_status, n.winning_option, n.participants, n.timestamp, n.metadata_blob, s.similarity_score
		 FROM decision_similarities s
		 JOIN decision_nodes n ON n.id = s.target_id
		 WHERE s.source_id = ? AND s.similarity_score >= ?
		 ORDER BY s.similarity_score DESC
		 LIMIT ?`,
		sourceID.String(), minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get similar: %w", err)
	}
	defer rows.Close()

	var out []SimilarDecision
	for rows.Next() {
		var n model.DecisionNode
		var idStr, participantsJSON, metadataJSON, ts string
		var winningOption sql.NullString
		var score float64
		if err := rows.Scan(&idStr, &n.Question, &n.QuestionNormalized, &n.ConsensusStatus, &winningOption, &participantsJSON, &ts, &metadataJSON, &score); err != nil {
			return nil, fmt.Errorf("store: scan similar: %w", err)
		}
		if err := hydrateNode(&n, idStr, participantsJSON, metadataJSON, ts, winningOption); err != nil {
			return nil, err
		}
		out = append(out, SimilarDecision{Node: n, Score: model.ClampUnit(score)})
	}
	return out, rows.Err()
}

// SimilarDecision pairs a DecisionNode with its similarity score relative
// to some source the caller already knows.
type SimilarDecision struct {
	Node  model.DecisionNode
	Score float64
}

// ReplaceSimilarities deletes sourceID's prior outgoing edges and inserts
// edges, retaining only the top MaxSimilarityEdges by score.
func (db *DB) ReplaceSimilarities(ctx context.Context, sourceID uuid.UUID, edges []model.DecisionSimilarity) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Score > edges[j].Score })
	if len(edges) > MaxSimilarityEdges {
		edges = edges[:MaxSimilarityEdges]
	}

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin replace similarities tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM decision_similarities WHERE source_id = ?`, sourceID.String()); err != nil {
		return fmt.Errorf("store: delete prior similarities: %w", err)
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO decision_similarities (source_id, target_id, similarity_score) VALUES (?, ?, ?)`,
			sourceID.String(), e.TargetID.String(), model.ClampUnit(e.Score),
		); err != nil {
			return fmt.Errorf("store: insert similarity: %w", err)
		}
	}
	return tx.Commit()
}

// CascadeDelete removes a DecisionNode and all rows that reference it.
func (db *DB) CascadeDelete(ctx context.Context, id uuid.UUID) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	res, err := db.sqlDB.ExecContext(ctx, `DELETE FROM decision_nodes WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("store: cascade delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: cascade delete rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: delete %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountDecisions reports the current store size D, used by the retrieval
// layer's adaptive-k rule.
func (db *DB) CountDecisions(ctx context.Context) (int, error) {
	var n int
	err := db.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_nodes`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count decisions: %w", err)
	}
	return n, nil
}

// Stats is the raw aggregate data backing the Maintenance Monitor's
// get_stats operation.
type Stats struct {
	NodeCount    int
	EdgeCount    int
	AvgSimilarity float64
	DBBytes      int64
}

// GetStats gathers node/edge counts, mean similarity, and on-disk size.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := db.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_nodes`).Scan(&s.NodeCount); err != nil {
		return Stats{}, fmt.Errorf("store: count nodes: %w", err)
	}
	if err := db.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_similarities`).Scan(&s.EdgeCount); err != nil {
		return Stats{}, fmt.Errorf("store: count edges: %w", err)
	}
	var avg sql.NullFloat64
	if err := db.sqlDB.QueryRowContext(ctx, `SELECT AVG(similarity_score) FROM decision_similarities`).Scan(&avg); err != nil {
		return Stats{}, fmt.Errorf("store: avg similarity: %w", err)
	}
	if avg.Valid {
		s.AvgSimilarity = avg.Float64
	}
	var pageCount, pageSize int64
	if err := db.sqlDB.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return Stats{}, fmt.Errorf("store: page_count: %w", err)
	}
	if err := db.sqlDB.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return Stats{}, fmt.Errorf("store: page_size: %w", err)
	}
	s.DBBytes = pageCount * pageSize
	return s, nil
}

// Ping verifies connectivity, used by the Maintenance Monitor's
// health_check.
func (db *DB) Ping(ctx context.Context) error {
	return db.sqlDB.PingContext(ctx)
}

// SchemaOK verifies the three required tables exist, used by health_check
// to detect a corrupted or partially-migrated database.
func (db *DB) SchemaOK(ctx context.Context) error {
	for _, table := range []string{"decision_nodes", "participant_stances", "decision_similarities"} {
		var name string
		err := db.sqlDB.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			return fmt.Errorf("store: schema check %s: %w", table, err)
		}
	}
	return nil
}

// GetStances returns every ParticipantStance recorded for decisionID.
func (db *DB) GetStances(ctx context.Context, decisionID uuid.UUID) ([]model.ParticipantStance, error) {
	rows, err := db.sqlDB.QueryContext(ctx,
		`SELECT decision_id, participant_id, vote_option, confidence, rationale FROM participant_stances WHERE decision_id = ?`,
		decisionID.String())
	if err != nil {
		return nil, fmt.Errorf("store: get stances: %w", err)
	}
	defer rows.Close()

	var out []model.ParticipantStance
	for rows.Next() {
		var s model.ParticipantStance
		var decisionIDStr string
		var voteOption, rationale sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&decisionIDStr, &s.ParticipantID, &voteOption, &confidence, &rationale); err != nil {
			return nil, fmt.Errorf("store: scan stance: %w", err)
		}
		id, err := uuid.Parse(decisionIDStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse stance decision id: %w", err)
		}
		s.DecisionID = id
		if voteOption.Valid {
			v := voteOption.String
			s.VoteOption = &v
		}
		if confidence.Valid {
			c := confidence.Float64
			s.Confidence = &c
		}
		if rationale.Valid {
			r := rationale.String
			s.Rationale = &r
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanNodes(rows *sql.Rows) ([]model.DecisionNode, error) {
	var out []model.DecisionNode
	for rows.Next() {
		var n model.DecisionNode
		var idStr, participantsJSON, metadataJSON, ts string
		var winningOption sql.NullString
		if err := rows.Scan(&idStr, &n.Question, &n.QuestionNormalized, &n.ConsensusStatus, &winningOption, &participantsJSON, &ts, &metadataJSON); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		if err := hydrateNode(&n, idStr, participantsJSON, metadataJSON, ts, winningOption); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func hydrateNode(n *model.DecisionNode, idStr, participantsJSON, metadataJSON, ts string, winningOption sql.NullString) error {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("store: parse decision id: %w", err)
	}
	n.ID = id
	if winningOption.Valid {
		w := winningOption.String
		n.WinningOption = &w
	}
	if err := json.Unmarshal([]byte(participantsJSON), &n.Participants); err != nil {
		return fmt.Errorf("store: unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &n.MetadataBlob); err != nil {
		return fmt.Errorf("store: unmarshal metadata: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("store: parse timestamp: %w", err)
	}
	n.Timestamp = parsed
	return nil
}
