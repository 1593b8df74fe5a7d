package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reading-service/internal/domain"
)

// SnapshotRepositoryPG implements domain.SnapshotStore on PostgreSQL. One row
// per job id; the whole snapshot lives in a jsonb column so no schema change
// is needed when the event payloads evolve.
type SnapshotRepositoryPG struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS reading_snapshots (
    job_id     text PRIMARY KEY,
    snapshot   jsonb NOT NULL,
    updated_at timestamptz NOT NULL DEFAULT now()
);
`

// NewSnapshotRepositoryPG creates the repository and ensures its table exists.
func NewSnapshotRepositoryPG(ctx context.Context, pool *pgxpool.Pool) (*SnapshotRepositoryPG, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("ensure snapshot schema: %w", err)
	}
	return &SnapshotRepositoryPG{pool: pool}, nil
}

// Save upserts the snapshot for its job id.
func (r *SnapshotRepositoryPG) Save(ctx context.Context, snap *domain.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	query := `
INSERT INTO reading_snapshots (job_id, snapshot, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (job_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now();
`
	_, err = r.pool.Exec(ctx, query, snap.Job.ID, body)
	return err
}

// Load returns the most recently updated snapshot, which for a single-slot
// actor is the current one.
func (r *SnapshotRepositoryPG) Load(ctx context.Context) (*domain.Snapshot, error) {
	query := `
SELECT snapshot FROM reading_snapshots
ORDER BY updated_at DESC
LIMIT 1;
`
	var body []byte
	if err := r.pool.QueryRow(ctx, query).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the persisted snapshot for a job id.
func (r *SnapshotRepositoryPG) Delete(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM reading_snapshots WHERE job_id = $1;`, jobID)
	return err
}
