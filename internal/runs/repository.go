// Package runs owns the run lifecycle: persistence, the per-run execution
// context, and the manager that starts and stops runs.
package runs

import (
	"context"
	"sort"
	"sync"

	"github.com/weaverhq/weaver/pkg/types"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status types.RunStatus
	Mode   types.RunMode
}

// Repository is the run persistence contract.
type Repository interface {
	Create(ctx context.Context, run *types.Run) error
	Get(ctx context.Context, id string) (*types.Run, error)
	List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*types.Run, int, error)
	Update(ctx context.Context, run *types.Run) error
	Delete(ctx context.Context, id string) error
}

// MemoryRepository keeps runs in memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	runs map[string]*types.Run
}

// NewMemoryRepository creates an empty run repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{runs: make(map[string]*types.Run)}
}

// Create stores a new run.
func (r *MemoryRepository) Create(ctx context.Context, run *types.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns the run by id.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*types.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, types.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// List returns a page of matching runs, newest first, plus the total count.
func (r *MemoryRepository) List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*types.Run, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.RLock()
	var matched []*types.Run
	for _, run := range r.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Mode != "" && run.Mode != filter.Mode {
			continue
		}
		matched = append(matched, run)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*types.Run, 0, end-start)
	for _, run := range matched[start:end] {
		out = append(out, cloneRun(run))
	}
	return out, total, nil
}

// Update overwrites an existing run.
func (r *MemoryRepository) Update(ctx context.Context, run *types.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return types.ErrRunNotFound
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// Delete removes a run.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; !ok {
		return types.ErrRunNotFound
	}
	delete(r.runs, id)
	return nil
}

func cloneRun(run *types.Run) *types.Run {
	cp := *run
	cp.Symbols = append([]string(nil), run.Symbols...)
	if run.Config != nil {
		cfg := make(map[string]any, len(run.Config))
		for k, v := range run.Config {
			cfg[k] = v
		}
		cp.Config = cfg
	}
	if run.Stats != nil {
		stats := *run.Stats
		cp.Stats = &stats
	}
	return &cp
}
