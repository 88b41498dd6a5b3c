package syncrun

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests and single-process use.
type MemoryRepo struct {
	mu   sync.Mutex
	runs []Run
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *MemoryRepo) Finish(ctx context.Context, id string, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.runs {
		if r.runs[i].ID != id {
			continue
		}
		if r.runs[i].Status != StatusPending {
			return ErrAlreadyFinished
		}
		ended := o.EndedAt
		r.runs[i].Status = o.Status
		r.runs[i].EndedAt = &ended
		r.runs[i].Success = o.Status == StatusSuccess
		r.runs[i].ItemsProcessed = o.ItemsProcessed
		r.runs[i].Message = o.Message
		r.runs[i].ErrorDetail = o.ErrorDetail
		return nil
	}
	return ErrNotFound
}

// sorted returns matching runs newest first. Caller holds mu.
func (r *MemoryRepo) sorted(provider string, typ Type) []Run {
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		if provider != "" && run.Provider != provider {
			continue
		}
		if typ != "" && run.Type != typ {
			continue
		}
		out = append(out, run)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r *MemoryRepo) List(ctx context.Context, f ListFilter) ([]Run, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(f.Provider, f.Type)
	start := (f.Page - 1) * f.Limit
	if start >= len(all) {
		return []Run{}, len(all), nil
	}
	end := start + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return append([]Run(nil), all[start:end]...), len(all), nil
}

func (r *MemoryRepo) CountByStatus(ctx context.Context, provider string) (map[Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[Status]int{}
	for _, run := range r.sorted(provider, "") {
		out[run.Status]++
	}
	return out, nil
}

func (r *MemoryRepo) Latest(ctx context.Context, provider string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(provider, "")
	if len(all) == 0 {
		return Run{}, ErrNotFound
	}
	return all[0], nil
}

// Runs returns every run in insertion order.
func (r *MemoryRepo) Runs() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Run, len(r.runs))
	copy(out, r.runs)
	return out
}
