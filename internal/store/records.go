package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/ir"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Session states. A session never reaches "completed" automatically;
// completion requires an external re-verification signal.
const (
	SessionPending      = "pending"
	SessionFixesApplied = "fixes_applied"
	SessionCompleted    = "completed"
)

// Agent is a persisted compiled workflow.
type Agent struct {
	ID          string
	Name        string
	Graph       *graph.Graph
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session is a persisted repair session.
type Session struct {
	ID        string
	AgentID   string
	State     string
	Issues    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

const timeFormat = time.RFC3339

// SaveAgent inserts or replaces an agent record. The graph is serialized
// canonically, so identical graphs persist byte-identically.
func (s *Store) SaveAgent(ctx context.Context, a *Agent) error {
	graphJSON, schemaJSON, err := marshalGraph(a.Graph)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}

	now := time.Now().UTC().Format(timeFormat)
	created := now
	if !a.CreatedAt.IsZero() {
		created = a.CreatedAt.UTC().Format(timeFormat)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, graph, input_schema, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			graph = excluded.graph,
			input_schema = excluded.input_schema,
			updated_at = excluded.updated_at
	`, a.ID, a.Name, graphJSON, schemaJSON, created, now)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// LoadAgent fetches an agent by ID.
func (s *Store) LoadAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, graph, input_schema, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)

	var a Agent
	var graphJSON, schemaJSON, created, updated string
	if err := row.Scan(&a.ID, &a.Name, &graphJSON, &schemaJSON, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}

	g, err := unmarshalGraph(graphJSON, schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	a.Graph = g
	a.CreatedAt, _ = time.Parse(timeFormat, created)
	a.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &a, nil
}

// UpdateAgentGraph persists a repaired graph and its rebuilt input schema
// in a single transaction, together with the session state transition.
// The repair contract requires the rebuilt graph and schema to land
// atomically.
func (s *Store) UpdateAgentGraph(ctx context.Context, agentID, sessionID string, g *graph.Graph) error {
	graphJSON, schemaJSON, err := marshalGraph(g)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	now := time.Now().UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET graph = ?, input_schema = ?, updated_at = ? WHERE id = ?
	`, graphJSON, schemaJSON, now, agentID)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}

	if sessionID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE repair_sessions SET state = ?, updated_at = ? WHERE id = ?
		`, SessionFixesApplied, now, sessionID); err != nil {
			return fmt.Errorf("update session %s: %w", sessionID, err)
		}
	}

	return tx.Commit()
}

// SaveSession inserts or replaces a repair session.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC().Format(timeFormat)
	created := now
	if !sess.CreatedAt.IsZero() {
		created = sess.CreatedAt.UTC().Format(timeFormat)
	}
	issues := sess.Issues
	if len(issues) == 0 {
		issues = json.RawMessage("[]")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repair_sessions (id, agent_id, state, issues, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			issues = excluded.issues,
			updated_at = excluded.updated_at
	`, sess.ID, sess.AgentID, sess.State, string(issues), created, now)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// LoadSession fetches a repair session by ID.
func (s *Store) LoadSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, state, issues, created_at, updated_at
		FROM repair_sessions WHERE id = ?
	`, id)

	var sess Session
	var issues, created, updated string
	if err := row.Scan(&sess.ID, &sess.AgentID, &sess.State, &issues, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	sess.Issues = json.RawMessage(issues)
	sess.CreatedAt, _ = time.Parse(timeFormat, created)
	sess.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &sess, nil
}

// WriteBackup records an immutable pre-mutation copy of an agent's graph.
func (s *Store) WriteBackup(ctx context.Context, backupID, agentID, sessionID string, g *graph.Graph) error {
	graphJSON, _, err := marshalGraph(g)
	if err != nil {
		return fmt.Errorf("backup %s: %w", backupID, err)
	}
	hash := ir.HashWithDomain(ir.DomainBackup, []byte(graphJSON))
	now := time.Now().UTC().Format(timeFormat)

	var sessVal any
	if sessionID != "" {
		sessVal = sessionID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_backups (id, agent_id, session_id, graph, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, backupID, agentID, sessVal, graphJSON, hash, now)
	if err != nil {
		return fmt.Errorf("backup %s: %w", backupID, err)
	}
	return nil
}

// marshalGraph serializes a graph and its input schema to canonical JSON.
func marshalGraph(g *graph.Graph) (string, string, error) {
	v, err := g.ToValue()
	if err != nil {
		return "", "", err
	}
	graphJSON, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", "", fmt.Errorf("marshal graph: %w", err)
	}

	schemaData, err := json.Marshal(g.InputSchema)
	if err != nil {
		return "", "", fmt.Errorf("marshal input schema: %w", err)
	}
	if g.InputSchema == nil {
		schemaData = []byte("[]")
	}
	return string(graphJSON), string(schemaData), nil
}

// unmarshalGraph parses stored JSON back to a graph.
func unmarshalGraph(graphJSON, schemaJSON string) (*graph.Graph, error) {
	var g graph.Graph
	if err := json.Unmarshal([]byte(graphJSON), &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if schemaJSON != "" && schemaJSON != "[]" {
		if err := json.Unmarshal([]byte(schemaJSON), &g.InputSchema); err != nil {
			return nil, fmt.Errorf("unmarshal input schema: %w", err)
		}
	}
	return &g, nil
}
