package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"voicebridge/internal/providers"
	"voicebridge/internal/records"
	"voicebridge/internal/syncrun"
	"voicebridge/pkg/logger"
)

var (
	// ErrAlreadyRunning means another run holds the lease for the same key.
	ErrAlreadyRunning  = errors.New("reconcile: already running")
	ErrUnknownProvider = errors.New("reconcile: provider not configured")
	ErrInvalidID       = errors.New("reconcile: external id required")
)

// Error kinds stored on failed runs.
const (
	KindTransient   = "transient"
	KindPermanent   = "permanent"
	KindPersistence = "persistence"
)

// kindError tags an attempt failure with its retry class.
type kindError struct {
	kind string
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func kindOf(err error) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindTransient
}

func directoryError(err error) error {
	if providers.IsTransient(err) {
		return &kindError{kind: KindTransient, err: err}
	}
	return &kindError{kind: KindPermanent, err: err}
}

func persistenceError(err error) error {
	return &kindError{kind: KindPersistence, err: err}
}

// Options tunes the retry loop. Zero values take defaults.
type Options struct {
	// MaxRetries is the number of fetch+merge+save attempts per run.
	MaxRetries int
	// BackoffBase is the wait after the first failed attempt; it doubles
	// after each further failure.
	BackoffBase time.Duration
	LockTTL     time.Duration

	Locker Locker
	Logger *slog.Logger

	// Sleep waits between attempts and must return early with ctx.Err()
	// when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.LockTTL <= 0 {
		out.LockTTL = 15 * time.Minute
	}
	if out.Locker == nil {
		out.Locker = NewLocalLocker()
	}
	if out.Logger == nil {
		out.Logger = logger.Discard()
	}
	if out.Sleep == nil {
		out.Sleep = sleepContext
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// Coordinator runs reconciliation passes from provider directories into the
// record store, logging each pass as a sync run.
//
// Concurrency: at most one full run per provider and one single-item run per
// (provider, id) are in flight; overlapping callers get ErrAlreadyRunning.
// No store transaction or lock is held while waiting between attempts.
type Coordinator struct {
	store records.Store
	runs  *syncrun.Service
	dirs  map[records.Provider]providers.Directory
	order []records.Provider
	opts  Options
}

func New(store records.Store, runs *syncrun.Service, dirs []providers.Directory, opts Options) *Coordinator {
	c := &Coordinator{
		store: store,
		runs:  runs,
		dirs:  map[records.Provider]providers.Directory{},
		opts:  opts.withDefaults(),
	}
	for _, d := range dirs {
		if d == nil {
			continue
		}
		if _, dup := c.dirs[d.Provider()]; !dup {
			c.order = append(c.order, d.Provider())
		}
		c.dirs[d.Provider()] = d
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return c
}

// Providers lists configured providers in stable order.
func (c *Coordinator) Providers() []records.Provider {
	return append([]records.Provider(nil), c.order...)
}

func (c *Coordinator) directory(p records.Provider) (providers.Directory, error) {
	d, ok := c.dirs[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return d, nil
}

// ReconcileAll pulls the provider's full listing and merges it into the
// store. It blocks for the whole retry loop, backoff waits included.
func (c *Coordinator) ReconcileAll(ctx context.Context, p records.Provider) (int, error) {
	dir, err := c.directory(p)
	if err != nil {
		return 0, err
	}

	release, ok, err := c.opts.Locker.TryLock(ctx, "sync:"+string(p)+":"+string(syncrun.TypeFull), c.opts.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("reconcile: acquire lock: %w", err)
	}
	if !ok {
		return 0, ErrAlreadyRunning
	}
	defer release()

	run, err := c.runs.Begin(ctx, string(p), syncrun.TypeFull)
	if err != nil {
		return 0, fmt.Errorf("reconcile: begin run: %w", err)
	}
	log := c.opts.Logger.With("provider", p, "run_id", run.ID, "sync_type", syncrun.TypeFull)
	log.Info("sync started")

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		attempts = attempt
		n, err := c.attempt(ctx, dir, log)
		if err == nil {
			c.finishSuccess(ctx, log, run.ID, n, fmt.Sprintf("synced %d assistants", n))
			log.Info("sync finished", "items", n, "attempt", attempt)
			return n, nil
		}
		lastErr = err
		kind := kindOf(err)
		log.Warn("sync attempt failed", "attempt", attempt, "kind", kind, "err", err)
		if kind == KindPermanent || attempt == c.opts.MaxRetries {
			break
		}
		if err := c.opts.Sleep(ctx, c.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	c.finishFailure(ctx, log, run.ID, syncrun.ErrorDetail{
		Message:  lastErr.Error(),
		Kind:     kindOf(lastErr),
		Attempts: attempts,
	})
	log.Error("sync failed", "attempts", attempts, "err", lastErr)
	return 0, fmt.Errorf("reconcile %s: %w", p, lastErr)
}

// ProviderResult is one provider's share of a ReconcileEvery pass.
type ProviderResult struct {
	Provider records.Provider `json:"provider"`
	Items    int              `json:"items"`
	// Skipped is set when another run held the provider's lease.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReconcileEvery runs ReconcileAll for each configured provider in turn,
// continuing past failures. A provider whose run is already in flight is
// skipped and does not count as a failure; ErrAlreadyRunning is returned
// only when every provider was skipped. Other failures are joined.
func (c *Coordinator) ReconcileEvery(ctx context.Context) (int, []ProviderResult, error) {
	var (
		total   int
		skipped int
		errs    []error
	)
	results := make([]ProviderResult, 0, len(c.order))
	for _, p := range c.order {
		n, err := c.ReconcileAll(ctx, p)
		res := ProviderResult{Provider: p, Items: n}
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyRunning):
			res.Skipped = true
			skipped++
		default:
			res.Error = err.Error()
			errs = append(errs, err)
		}
		total += n
		results = append(results, res)
	}
	if len(c.order) > 0 && skipped == len(c.order) {
		return 0, results, ErrAlreadyRunning
	}
	return total, results, errors.Join(errs...)
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	return c.opts.BackoffBase << (attempt - 1)
}

// attempt is one fetch, diff, merge and batch save. It shares no state with
// earlier attempts.
func (c *Coordinator) attempt(ctx context.Context, dir providers.Directory, log *slog.Logger) (int, error) {
	items, err := dir.ListAssistants(ctx)
	if err != nil {
		return 0, directoryError(err)
	}
	if len(items) == 0 {
		log.Info("provider reported no assistants")
		return 0, nil
	}

	ids, byID := group(items, log)
	if len(ids) == 0 {
		return 0, nil
	}

	existing, err := c.store.FindAssistants(ctx, ids)
	if err != nil {
		return 0, persistenceError(err)
	}

	now := c.opts.Clock().UTC()
	merged := make([]records.AssistantRecord, 0, len(ids))
	for _, id := range ids {
		var cur *records.AssistantRecord
		if e, ok := existing[id]; ok {
			cur = &e
		}
		merged = append(merged, mergeAll(cur, byID[id], dir.Provider(), now))
	}

	if err := c.store.UpsertAssistants(ctx, merged); err != nil {
		return 0, persistenceError(err)
	}
	return len(merged), nil
}

// group drops items without an id and collects repeated ids in listing order.
func group(items []records.AssistantPatch, log *slog.Logger) ([]string, map[string][]records.AssistantPatch) {
	var ids []string
	byID := map[string][]records.AssistantPatch{}
	for i, it := range items {
		if it.ExternalID == "" {
			log.Warn("skipping listing item without id", "index", i)
			continue
		}
		if _, seen := byID[it.ExternalID]; !seen {
			ids = append(ids, it.ExternalID)
		} else {
			log.Debug("duplicate id in listing", "external_id", it.ExternalID)
		}
		byID[it.ExternalID] = append(byID[it.ExternalID], it)
	}
	return ids, byID
}

func mergeAll(cur *records.AssistantRecord, patches []records.AssistantPatch, p records.Provider, now time.Time) records.AssistantRecord {
	var out records.AssistantRecord
	for _, patch := range patches {
		out = records.Merge(cur, patch, p, now)
		cur = &out
	}
	return out
}

// ReconcileOne fetches the listing and merges the single item with the given
// id, without the retry loop. found is false when the provider does not list
// the id. An empty provider means: the provider the id is stored under, or
// each configured provider in turn.
func (c *Coordinator) ReconcileOne(ctx context.Context, p records.Provider, externalID string) (bool, error) {
	if externalID == "" {
		return false, ErrInvalidID
	}
	if p != "" {
		return c.reconcileOne(ctx, p, externalID)
	}

	if rec, err := c.store.FindAssistant(ctx, externalID); err == nil {
		if _, ok := c.dirs[rec.Provider]; ok {
			return c.reconcileOne(ctx, rec.Provider, externalID)
		}
	} else if !errors.Is(err, records.ErrNotFound) {
		return false, err
	}

	for _, candidate := range c.order {
		found, err := c.reconcileOne(ctx, candidate, externalID)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, p records.Provider, externalID string) (bool, error) {
	dir, err := c.directory(p)
	if err != nil {
		return false, err
	}

	release, ok, err := c.opts.Locker.TryLock(ctx, "sync:"+string(p)+":"+string(syncrun.TypeSingle)+":"+externalID, c.opts.LockTTL)
	if err != nil {
		return false, fmt.Errorf("reconcile: acquire lock: %w", err)
	}
	if !ok {
		return false, ErrAlreadyRunning
	}
	defer release()

	run, err := c.runs.Begin(ctx, string(p), syncrun.TypeSingle)
	if err != nil {
		return false, fmt.Errorf("reconcile: begin run: %w", err)
	}
	log := c.opts.Logger.With("provider", p, "run_id", run.ID, "sync_type", syncrun.TypeSingle, "external_id", externalID)

	fail := func(err error) (bool, error) {
		c.finishFailure(ctx, log, run.ID, syncrun.ErrorDetail{Message: err.Error(), Kind: kindOf(err), Attempts: 1})
		log.Error("single sync failed", "err", err)
		return false, fmt.Errorf("reconcile %s/%s: %w", p, externalID, err)
	}

	items, err := dir.ListAssistants(ctx)
	if err != nil {
		return fail(directoryError(err))
	}
	var matches []records.AssistantPatch
	for _, it := range items {
		if it.ExternalID == externalID {
			matches = append(matches, it)
		}
	}
	if len(matches) == 0 {
		c.finishSuccess(ctx, log, run.ID, 0, "assistant not found at provider")
		log.Info("assistant not listed by provider")
		return false, nil
	}

	var cur *records.AssistantRecord
	existing, err := c.store.FindAssistant(ctx, externalID)
	switch {
	case err == nil:
		cur = &existing
	case errors.Is(err, records.ErrNotFound):
	default:
		return fail(persistenceError(err))
	}

	rec := mergeAll(cur, matches, p, c.opts.Clock().UTC())
	if err := c.store.UpsertAssistants(ctx, []records.AssistantRecord{rec}); err != nil {
		return fail(persistenceError(err))
	}
	c.finishSuccess(ctx, log, run.ID, 1, "synced 1 assistant")
	log.Info("single sync finished")
	return true, nil
}

// Finishing a run must not be skipped because the caller's context ended.
func (c *Coordinator) finishSuccess(ctx context.Context, log *slog.Logger, runID string, n int, msg string) {
	if err := c.runs.Succeed(context.WithoutCancel(ctx), runID, n, msg); err != nil {
		log.Error("record run success", "err", err)
	}
}

func (c *Coordinator) finishFailure(ctx context.Context, log *slog.Logger, runID string, detail syncrun.ErrorDetail) {
	if err := c.runs.Fail(context.WithoutCancel(ctx), runID, 0, detail); err != nil {
		log.Error("record run failure", "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
