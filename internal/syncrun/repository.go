package syncrun

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strconv"
	"strings"

	"voicebridge/pkg/utils"
)

// Repository is the persistence contract for sync runs.
//
// Runs are append-only apart from the single Finish transition; there is no
// Delete.
type Repository interface {
	Insert(ctx context.Context, r Run) error
	// Finish moves a pending run to its terminal state. It returns
	// ErrAlreadyFinished if the run is not pending and ErrNotFound if it
	// does not exist.
	Finish(ctx context.Context, id string, o Outcome) error
	List(ctx context.Context, f ListFilter) (runs []Run, total int, err error)
	CountByStatus(ctx context.Context, provider string) (map[Status]int, error)
	Latest(ctx context.Context, provider string) (Run, error)
}

//go:embed schema/postgres.sql
var postgresSchema string

//go:embed schema/sqlite.sql
var sqliteSchema string

// Migrate creates the sync_runs table if it does not exist.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	ddl := postgresSchema
	if strings.HasPrefix(driver, "sqlite") {
		ddl = sqliteSchema
	}
	return utils.ApplySchema(ctx, db, ddl)
}

type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

const runColumns = `id, provider, sync_type, status, started_at, ended_at, success, items_processed, message, error_detail`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (Run, error) {
	var (
		run   Run
		ended sql.NullTime
	)
	if err := r.Scan(
		&run.ID,
		&run.Provider,
		&run.Type,
		&run.Status,
		&run.StartedAt,
		&ended,
		&run.Success,
		&run.ItemsProcessed,
		&run.Message,
		&run.ErrorDetail,
	); err != nil {
		return Run{}, err
	}
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	return run, nil
}

func (r *SQLRepo) Insert(ctx context.Context, run Run) error {
	const q = `
INSERT INTO sync_runs (
  id, provider, sync_type, status, started_at, success, items_processed, message, error_detail
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		run.ID,
		run.Provider,
		string(run.Type),
		string(run.Status),
		run.StartedAt.UTC(),
		run.Success,
		run.ItemsProcessed,
		run.Message,
		run.ErrorDetail,
	)
	return err
}

func (r *SQLRepo) Finish(ctx context.Context, id string, o Outcome) error {
	const q = `
UPDATE sync_runs SET
  status = $1,
  ended_at = $2,
  success = $3,
  items_processed = $4,
  message = $5,
  error_detail = $6
WHERE id = $7 AND status = 'pending'
`
	res, err := r.db.ExecContext(ctx, q,
		string(o.Status),
		o.EndedAt.UTC(),
		o.Status == StatusSuccess,
		o.ItemsProcessed,
		o.Message,
		o.ErrorDetail,
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM sync_runs WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrAlreadyFinished
}

// where builds the shared filter clause; args are numbered from 1.
func where(provider string, typ Type) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if provider != "" {
		args = append(args, provider)
		conds = append(conds, "provider = $"+strconv.Itoa(len(args)))
	}
	if typ != "" {
		args = append(args, string(typ))
		conds = append(conds, "sync_type = $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *SQLRepo) List(ctx context.Context, f ListFilter) ([]Run, int, error) {
	clause, args := where(f.Provider, f.Type)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	q := `SELECT ` + runColumns + ` FROM sync_runs` + clause +
		` ORDER BY started_at DESC, id DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Run, 0, f.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *SQLRepo) CountByStatus(ctx context.Context, provider string) (map[Status]int, error) {
	clause, args := where(provider, "")
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_runs`+clause+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func (r *SQLRepo) Latest(ctx context.Context, provider string) (Run, error) {
	clause, args := where(provider, "")
	q := `SELECT ` + runColumns + ` FROM sync_runs` + clause + ` ORDER BY started_at DESC, id DESC LIMIT 1`
	run, err := scanRun(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	return run, nil
}

var _ Repository = (*SQLRepo)(nil)
