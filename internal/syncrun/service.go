package syncrun

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("syncrun: not found")
	ErrAlreadyFinished = errors.New("syncrun: run already finished")
	ErrInvalidRun      = errors.New("syncrun: invalid run")
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Service records reconciliation history.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Begin persists a pending run and returns it.
func (s *Service) Begin(ctx context.Context, provider string, typ Type) (Run, error) {
	if s.repo == nil {
		return Run{}, errors.New("syncrun: repository not configured")
	}
	if provider == "" || (typ != TypeFull && typ != TypeSingle) {
		return Run{}, ErrInvalidRun
	}
	run := Run{
		ID:        uuid.NewString(),
		Provider:  provider,
		Type:      typ,
		Status:    StatusPending,
		StartedAt: s.clock().UTC(),
	}
	if err := s.repo.Insert(ctx, run); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *Service) Succeed(ctx context.Context, runID string, items int, message string) error {
	return s.repo.Finish(ctx, runID, Outcome{
		Status:         StatusSuccess,
		EndedAt:        s.clock().UTC(),
		ItemsProcessed: items,
		Message:        message,
	})
}

func (s *Service) Fail(ctx context.Context, runID string, items int, detail ErrorDetail) error {
	if detail.Message == "" {
		detail.Message = "unknown error"
	}
	return s.repo.Finish(ctx, runID, Outcome{
		Status:         StatusFailed,
		EndedAt:        s.clock().UTC(),
		ItemsProcessed: items,
		Message:        detail.Message,
		ErrorDetail:    detail.encode(),
	})
}

// List returns one page of runs, newest first. Page defaults to 1 and
// limit to 20, capped at 100.
func (s *Service) List(ctx context.Context, f ListFilter) (Page, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	runs, total, err := s.repo.List(ctx, f)
	if err != nil {
		return Page{}, err
	}
	return Page{Runs: runs, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// Summary reports the latest run and per-status totals, optionally for a
// single provider.
func (s *Service) Summary(ctx context.Context, provider string) (Summary, error) {
	counts, err := s.repo.CountByStatus(ctx, provider)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{
		Success: counts[StatusSuccess],
		Failed:  counts[StatusFailed],
		Pending: counts[StatusPending],
	}
	out.Total = out.Success + out.Failed + out.Pending

	latest, err := s.repo.Latest(ctx, provider)
	switch {
	case err == nil:
		out.Latest = &latest
	case errors.Is(err, ErrNotFound):
	default:
		return Summary{}, err
	}
	return out, nil
}
