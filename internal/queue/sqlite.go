package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskplanner/internal/domain"
)

var (
	ErrEmpty    = errors.New("no plan jobs ready")
	ErrNotFound = errors.New("not found")
)

const (
	defaultMaxAttempts       = 3
	defaultVisibilityTimeout = 120
)

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS plan_jobs (
  id TEXT PRIMARY KEY,
  goal TEXT NOT NULL,
  request BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_run_at DATETIME NOT NULL,
  lease_until DATETIME,
  visibility_timeout INTEGER NOT NULL DEFAULT 120,
  idempotency_key TEXT,
  recurring_id TEXT,
  result BLOB,
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plan_jobs_next_run ON plan_jobs(state, next_run_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_plan_jobs_idem ON plan_jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS job_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  finished_at DATETIME NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(job_id) REFERENCES plan_jobs(id)
);
CREATE TABLE IF NOT EXISTS recurring_plans (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  goal TEXT NOT NULL,
  deadline TEXT NOT NULL DEFAULT '',
  hours_per_day INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recurring_next_run ON recurring_plans(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Attempt is one recorded execution of a plan job.
type Attempt struct {
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

type Repository interface {
	Enqueue(ctx context.Context, j domain.PlanJob) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.PlanJob, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string, res domain.PlanResult) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.PlanJob, error)
	Attempts(ctx context.Context, id string) ([]Attempt, error)
	ListRecentJobs(ctx context.Context, limit int) ([]domain.PlanJob, error)

	// Recurring plan operations
	CreateRecurring(ctx context.Context, p domain.RecurringPlan) (string, error)
	GetRecurring(ctx context.Context, id string) (domain.RecurringPlan, error)
	ListRecurring(ctx context.Context) ([]domain.RecurringPlan, error)
	UpdateRecurring(ctx context.Context, p domain.RecurringPlan) error
	DeleteRecurring(ctx context.Context, id string) error
	DueRecurring(ctx context.Context, now time.Time) ([]domain.RecurringPlan, error)
	MarkRecurringRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

type Lease struct{ Until time.Time }

func (r *sqliteRepo) stamp() time.Time { return r.now().UTC() }

const jobColumns = `id,request,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,recurring_id,result,last_error,created_at,updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (domain.PlanJob, error) {
	var (
		j         domain.PlanJob
		req, res  []byte
		idem, rec sql.NullString
	)
	if err := row.Scan(&j.ID, &req, &j.State, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.VisibilityTimeout, &idem, &rec, &res, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.PlanJob{}, err
	}
	if err := json.Unmarshal(req, &j.Request); err != nil {
		return domain.PlanJob{}, fmt.Errorf("decode request of %s: %w", j.ID, err)
	}
	if len(res) > 0 {
		var out domain.PlanResult
		if err := json.Unmarshal(res, &out); err != nil {
			return domain.PlanJob{}, fmt.Errorf("decode result of %s: %w", j.ID, err)
		}
		j.Result = &out
	}
	if idem.Valid {
		s := idem.String
		j.IdempotencyKey = &s
	}
	if rec.Valid {
		s := rec.String
		j.RecurringID = &s
	}
	return j, nil
}

func (r *sqliteRepo) Enqueue(ctx context.Context, j domain.PlanJob) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = defaultMaxAttempts
	}
	if j.VisibilityTimeout == 0 {
		j.VisibilityTimeout = defaultVisibilityTimeout
	}

	// Check for existing job with same idempotency key
	if j.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM plan_jobs WHERE idempotency_key = ?", *j.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	req, err := json.Marshal(j.Request)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	now := r.stamp()
	next := now
	if !j.NextRunAt.IsZero() {
		next = j.NextRunAt.UTC()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO plan_jobs (id,goal,request,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,recurring_id,created_at,updated_at)
VALUES (?,?,?,'queued',0,?,?,?,?,?,?,?)
`, id, j.Request.Goal, req, j.MaxAttempts, next, j.VisibilityTimeout, j.IdempotencyKey, j.RecurringID, now, now)
	return id, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (j domain.PlanJob, l Lease, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PlanJob{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM plan_jobs
WHERE state='queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1
`, now.UTC())
	j, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return domain.PlanJob{}, Lease{}, err
	}
	if err != nil {
		return domain.PlanJob{}, Lease{}, err
	}

	leaseUntil := now.UTC().Add(time.Duration(j.VisibilityTimeout) * time.Second)
	if _, err = tx.ExecContext(ctx, `UPDATE plan_jobs SET state='running', lease_until=?, updated_at=? WHERE id=?`, leaseUntil, r.stamp(), j.ID); err != nil {
		return domain.PlanJob{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.PlanJob{}, Lease{}, err
	}
	j.State = domain.JobRunning
	return j, Lease{Until: leaseUntil}, nil
}

// finish records an attempt and applies update in one transaction.
func (r *sqliteRepo) finish(ctx context.Context, id string, success bool, errStr string, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := r.stamp()
	if _, err := tx.ExecContext(ctx, `INSERT INTO job_attempts(job_id, finished_at, success, error) VALUES (?,?,?,?)`, id, now, success, errStr); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, update, append(args, now, id)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE plan_jobs
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    lease_until = NULL,
    last_error = ?,
    updated_at = ?
WHERE id = ?`, r.stamp().Add(delay), errStr)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string, res domain.PlanResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return r.finish(ctx, id, true, "", `
UPDATE plan_jobs SET state='succeeded', attempts = attempts + 1, result=?, lease_until=NULL, last_error='', updated_at=? WHERE id=?`, b)
}

// Fail moves the job to failed without further retries.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE plan_jobs SET state='failed', attempts = attempts + 1, lease_until=NULL, last_error=?, updated_at=? WHERE id=?`, errStr)
}

// RecoverStale requeues running jobs whose lease expired, e.g. after a crash.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE plan_jobs
SET state='queued', next_run_at=?, lease_until=NULL, updated_at=?
WHERE state='running' AND (lease_until IS NULL OR lease_until <= ?)`, now.UTC(), r.stamp(), now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.PlanJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM plan_jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PlanJob{}, ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT finished_at, success, COALESCE(error,'') FROM job_attempts WHERE job_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.FinishedAt, &a.Success, &a.Error); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) ListRecentJobs(ctx context.Context, limit int) ([]domain.PlanJob, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM plan_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.PlanJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const recurringColumns = `id,name,cron_expr,goal,deadline,hours_per_day,max_attempts,enabled,last_run,next_run,created_at,updated_at`

func scanRecurring(row scanner) (domain.RecurringPlan, error) {
	var p domain.RecurringPlan
	var lastRun sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.CronExpr, &p.Goal, &p.Deadline, &p.HoursPerDay, &p.MaxAttempts, &p.Enabled, &lastRun, &p.NextRun, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.RecurringPlan{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		p.LastRun = &t
	}
	return p, nil
}

func (r *sqliteRepo) CreateRecurring(ctx context.Context, p domain.RecurringPlan) (string, error) {
	id := p.ID
	if id == "" {
		id = "rec_" + uuid.NewString()
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	now := r.stamp()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO recurring_plans (`+recurringColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, id, p.Name, p.CronExpr, p.Goal, p.Deadline, p.HoursPerDay, p.MaxAttempts, p.Enabled, utcPtr(p.LastRun), p.NextRun.UTC(), now, now)
	return id, err
}

func (r *sqliteRepo) GetRecurring(ctx context.Context, id string) (domain.RecurringPlan, error) {
	p, err := scanRecurring(r.db.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_plans WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecurringPlan{}, ErrNotFound
	}
	return p, err
}

func (r *sqliteRepo) listRecurring(ctx context.Context, query string, args ...any) ([]domain.RecurringPlan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []domain.RecurringPlan
	for rows.Next() {
		p, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (r *sqliteRepo) ListRecurring(ctx context.Context) ([]domain.RecurringPlan, error) {
	return r.listRecurring(ctx, `SELECT `+recurringColumns+` FROM recurring_plans ORDER BY name`)
}

func (r *sqliteRepo) UpdateRecurring(ctx context.Context, p domain.RecurringPlan) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE recurring_plans SET name=?,cron_expr=?,goal=?,deadline=?,hours_per_day=?,max_attempts=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, p.Name, p.CronExpr, p.Goal, p.Deadline, p.HoursPerDay, p.MaxAttempts, p.Enabled, p.NextRun.UTC(), r.stamp(), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DeleteRecurring(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM recurring_plans WHERE id=?", id)
	return err
}

func (r *sqliteRepo) DueRecurring(ctx context.Context, now time.Time) ([]domain.RecurringPlan, error) {
	return r.listRecurring(ctx, `SELECT `+recurringColumns+` FROM recurring_plans WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
}

func (r *sqliteRepo) MarkRecurringRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE recurring_plans SET last_run=?,next_run=?,updated_at=? WHERE id=?`, lastRun.UTC(), nextRun.UTC(), r.stamp(), id)
	return err
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
