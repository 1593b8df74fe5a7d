package repo

import (
	"context"
	"encoding/json"
	"sync"

	"reading-service/internal/domain"
)

// SnapshotRepositoryMemory is the in-process store used in development and in
// tests. It round-trips snapshots through JSON so it catches the same
// serialization mistakes the durable stores would.
type SnapshotRepositoryMemory struct {
	mu      sync.Mutex
	current string
	byJob   map[string][]byte
}

func NewSnapshotRepositoryMemory() *SnapshotRepositoryMemory {
	return &SnapshotRepositoryMemory{byJob: map[string][]byte{}}
}

func (r *SnapshotRepositoryMemory) Save(_ context.Context, snap *domain.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[snap.Job.ID] = body
	r.current = snap.Job.ID
	return nil
}

func (r *SnapshotRepositoryMemory) Load(_ context.Context) (*domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.byJob[r.current]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *SnapshotRepositoryMemory) Delete(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byJob, jobID)
	if r.current == jobID {
		r.current = ""
	}
	return nil
}
