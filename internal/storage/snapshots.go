// Package storage persists PR state snapshots so a restart does not lose
// track of open pull requests or re-trigger completed jobs.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sevigo/hookci/internal/core"
	"github.com/sevigo/hookci/internal/state"
)

// SnapshotStore reads and writes persisted PR states.
type SnapshotStore interface {
	Save(ctx context.Context, st state.PRState) error
	Delete(ctx context.Context, key core.PRKey) error
	LoadAll(ctx context.Context) ([]state.PRState, error)
}

type postgresSnapshots struct {
	db *sqlx.DB
}

// NewSnapshotStore creates a Postgres-backed SnapshotStore.
func NewSnapshotStore(db *sqlx.DB) SnapshotStore {
	return &postgresSnapshots{db: db}
}

// Save upserts the snapshot for one PR key.
func (s *postgresSnapshots) Save(ctx context.Context, st state.PRState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode PR state %s: %w", st.Key, err)
	}

	query := `
		INSERT INTO pr_states (repo_full_name, pr_number, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (repo_full_name, pr_number)
		DO UPDATE SET state = EXCLUDED.state, updated_at = now()`

	_, err = s.db.ExecContext(ctx, query, st.Key.RepoFullName, st.Key.Number, payload)
	return err
}

// Delete removes the snapshot for one PR key.
func (s *postgresSnapshots) Delete(ctx context.Context, key core.PRKey) error {
	query := `DELETE FROM pr_states WHERE repo_full_name = $1 AND pr_number = $2`
	_, err := s.db.ExecContext(ctx, query, key.RepoFullName, key.Number)
	return err
}

// LoadAll returns every persisted snapshot, used once at startup for
// rehydration.
func (s *postgresSnapshots) LoadAll(ctx context.Context) ([]state.PRState, error) {
	query := `SELECT state FROM pr_states`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load PR states: %w", err)
	}
	defer rows.Close()

	var states []state.PRState
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var st state.PRState
		if err := json.Unmarshal(payload, &st); err != nil {
			return nil, fmt.Errorf("failed to decode persisted PR state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}
