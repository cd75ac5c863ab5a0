package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"collabcanvas/protocol"
)

const createOpsTable = `
CREATE TABLE IF NOT EXISTS crdt_ops (
	project_id TEXT   NOT NULL,
	version    BIGINT NOT NULL,
	payload    JSONB  NOT NULL,
	PRIMARY KEY (project_id, version)
)`

// opStore persists the versioned operation log so a restarted server can
// rebuild register state by replay.
type opStore struct {
	pool *pgxpool.Pool
}

func newOpStore(ctx context.Context, dsn string) (*opStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createOpsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create crdt_ops table: %w", err)
	}
	return &opStore{pool: pool}, nil
}

func (s *opStore) append(ctx context.Context, project string, version int64, op protocol.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}
	// ON CONFLICT: another instance may have persisted the same version
	// from the fan-out path first.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO crdt_ops (project_id, version, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, version) DO NOTHING`,
		project, version, payload)
	return err
}

func (s *opStore) load(ctx context.Context, project string) ([]versionedOp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, payload FROM crdt_ops WHERE project_id = $1 ORDER BY version`,
		project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []versionedOp
	for rows.Next() {
		var (
			version int64
			payload []byte
		)
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, err
		}
		var op protocol.Operation
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("decode op %d: %w", version, err)
		}
		out = append(out, versionedOp{Version: version, Op: op})
	}
	return out, rows.Err()
}

func (s *opStore) Close() {
	s.pool.Close()
}
