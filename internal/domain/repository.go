package domain

import "context"

// SnapshotStore persists the current job snapshot. Load returns ErrNotFound
// when nothing has been persisted yet; the actor then starts from a fresh
// idle job. Save is called after every mutation and is best-effort relative
// to live fan-out: a failed save is logged, not escalated.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	Delete(ctx context.Context, jobID string) error
}
