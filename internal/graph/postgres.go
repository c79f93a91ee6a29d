package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps the property graph in two tables: graph_nodes
// (id, labels, jsonb props) and graph_edges (src, rel, dst, jsonb props).
// Upserts run as a single read-modify-write transaction so the status
// guards see the committed value they are guarding against.
type PostgresStore struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id         TEXT PRIMARY KEY,
	labels     TEXT[] NOT NULL DEFAULT '{}',
	props      JSONB  NOT NULL DEFAULT '{}',
	updated_ts TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS graph_edges (
	src   TEXT NOT NULL,
	rel   TEXT NOT NULL,
	dst   TEXT NOT NULL,
	props JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (src, rel, dst)
);
CREATE INDEX IF NOT EXISTS graph_nodes_labels_idx ON graph_nodes USING GIN (labels);
`

// NewPostgresStore connects, bounds the pool, and ensures the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, u Upsert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Claim the row so the guard check and the merge are atomic.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO graph_nodes (id, labels, props) VALUES ($1, $2, '{}') ON CONFLICT (id) DO NOTHING`,
		u.ID, pq.Array(u.Labels)); err != nil {
		return fmt.Errorf("claim node %s: %w", u.ID, err)
	}

	var rawProps []byte
	var labels []string
	if err := tx.QueryRowContext(ctx,
		`SELECT props, labels FROM graph_nodes WHERE id = $1 FOR UPDATE`,
		u.ID).Scan(&rawProps, pq.Array(&labels)); err != nil {
		return fmt.Errorf("lock node %s: %w", u.ID, err)
	}

	current := Props{}
	if len(rawProps) > 0 {
		if err := json.Unmarshal(rawProps, &current); err != nil {
			return fmt.Errorf("decode props %s: %w", u.ID, err)
		}
	}

	merged, allowed := MergeProps(current, u.Props, u.Guard)
	if allowed {
		out, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode props %s: %w", u.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE graph_nodes
			 SET props = $2,
			     labels = (SELECT array_agg(DISTINCT l) FROM unnest(labels || $3::text[]) AS l),
			     updated_ts = now()
			 WHERE id = $1`,
			u.ID, out, pq.Array(u.Labels)); err != nil {
			return fmt.Errorf("merge node %s: %w", u.ID, err)
		}
	}

	for _, r := range u.Rels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_nodes (id, labels, props) VALUES ($1, '{}', '{}') ON CONFLICT (id) DO NOTHING`,
			r.TargetID); err != nil {
			return fmt.Errorf("stub target %s: %w", r.TargetID, err)
		}
		relProps, err := json.Marshal(orEmpty(r.Props))
		if err != nil {
			return fmt.Errorf("encode rel props: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_edges (src, rel, dst, props) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (src, rel, dst) DO UPDATE SET props = EXCLUDED.props`,
			u.ID, r.Type, r.TargetID, relProps); err != nil {
			return fmt.Errorf("merge edge %s-[%s]->%s: %w", u.ID, r.Type, r.TargetID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var rawProps []byte
	var labels []string
	err := s.db.QueryRowContext(ctx,
		`SELECT props, labels FROM graph_nodes WHERE id = $1`, id).
		Scan(&rawProps, pq.Array(&labels))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	props := Props{}
	if err := json.Unmarshal(rawProps, &props); err != nil {
		return nil, fmt.Errorf("decode props %s: %w", id, err)
	}
	return &Node{ID: id, Labels: labels, Props: props}, nil
}

func (s *PostgresStore) QueryNodes(ctx context.Context, label string, filter Filter) ([]Node, error) {
	filterJSON, err := json.Marshal(orEmptyFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, labels, props FROM graph_nodes
		 WHERE ($1 = '' OR $1 = ANY(labels)) AND props @> $2::jsonb`,
		label, filterJSON)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", label, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		var rawProps []byte
		if err := rows.Scan(&n.ID, pq.Array(&n.Labels), &rawProps); err != nil {
			return nil, err
		}
		n.Props = Props{}
		if err := json.Unmarshal(rawProps, &n.Props); err != nil {
			return nil, fmt.Errorf("decode props %s: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Relations(ctx context.Context, srcID, relType string) ([]Rel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rel, dst, props FROM graph_edges WHERE src = $1 AND ($2 = '' OR rel = $2)`,
		srcID, relType)
	if err != nil {
		return nil, fmt.Errorf("relations %s: %w", srcID, err)
	}
	defer rows.Close()

	var out []Rel
	for rows.Next() {
		var r Rel
		var rawProps []byte
		if err := rows.Scan(&r.Type, &r.TargetID, &rawProps); err != nil {
			return nil, err
		}
		r.Props = Props{}
		if err := json.Unmarshal(rawProps, &r.Props); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func orEmpty(p Props) Props {
	if p == nil {
		return Props{}
	}
	return p
}

func orEmptyFilter(f Filter) Filter {
	if f == nil {
		return Filter{}
	}
	return f
}
