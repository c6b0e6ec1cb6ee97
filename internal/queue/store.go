package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"convoflow/internal/domain"
)

var (
	ErrEmpty           = errors.New("no jobs ready")
	ErrFull            = errors.New("queue is full")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("already terminal")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  batch_id TEXT NOT NULL DEFAULT '',
  priority INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','cancelled')) DEFAULT 'pending',
  payload BLOB NOT NULL,
  result BLOB,
  error TEXT NOT NULL DEFAULT '',
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  callback_url TEXT NOT NULL DEFAULT '',
  callback_secret TEXT NOT NULL DEFAULT '',
  enqueued_at DATETIME NOT NULL,
  started_at DATETIME,
  finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(status, finished_at);
CREATE TABLE IF NOT EXISTS queue_entries (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL UNIQUE,
  priority INTEGER NOT NULL,
  enqueued_at DATETIME NOT NULL,
  FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority DESC, seq ASC);
CREATE TABLE IF NOT EXISTS batches (
  id TEXT PRIMARY KEY,
  total INTEGER NOT NULL,
  completed_count INTEGER NOT NULL DEFAULT 0,
  failed_count INTEGER NOT NULL DEFAULT 0,
  cancelled_count INTEGER NOT NULL DEFAULT 0,
  callback_url TEXT NOT NULL DEFAULT '',
  callback_secret TEXT NOT NULL DEFAULT '',
  last_boundary INTEGER NOT NULL DEFAULT 0,
  terminal_notified INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  finished_at DATETIME
);
`
	_, err := db.Exec(schema)
	return err
}

// Store persists jobs, batches and the priority-partitioned queue entries.
// A queue entry exists only while its job is pending; it is removed in the
// same transaction that records the claim.
type Store struct {
	db      *sql.DB
	ceiling int
}

func NewStore(db *sql.DB, ceiling int) *Store {
	if ceiling <= 0 {
		ceiling = 10000
	}
	return &Store{db: db, ceiling: ceiling}
}

// CreateBatch inserts a batch run, its jobs and their queue entries
// atomically. Returns ErrFull when accepting the jobs would push the
// pending count past the ceiling.
func (s *Store) CreateBatch(ctx context.Context, batch domain.BatchRun, jobs []domain.Job) (domain.BatchRun, []domain.Job, error) {
	now := time.Now().UTC()
	if batch.ID == "" {
		batch.ID = "bat_" + uuid.NewString()
	}
	batch.Total = len(jobs)
	batch.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.BatchRun{}, nil, err
	}
	defer tx.Rollback()

	var pending int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&pending); err != nil {
		return domain.BatchRun{}, nil, err
	}
	if pending+len(jobs) > s.ceiling {
		return domain.BatchRun{}, nil, ErrFull
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO batches (id,total,callback_url,callback_secret,created_at)
VALUES (?,?,?,?,?)`, batch.ID, batch.Total, batch.CallbackURL, batch.CallbackSecret, now)
	if err != nil {
		return domain.BatchRun{}, nil, err
	}

	for i := range jobs {
		j := &jobs[i]
		if j.ID == "" {
			j.ID = "job_" + uuid.NewString()
		}
		j.BatchID = batch.ID
		j.Status = domain.StatusPending
		j.CallbackURL = batch.CallbackURL
		j.CallbackSecret = batch.CallbackSecret
		j.EnqueuedAt = now
		_, err = tx.ExecContext(ctx, `
INSERT INTO jobs (id,batch_id,priority,status,payload,callback_url,callback_secret,enqueued_at)
VALUES (?,?,?,'pending',?,?,?,?)`,
			j.ID, j.BatchID, int(j.Priority), []byte(j.Payload), j.CallbackURL, j.CallbackSecret, now)
		if err != nil {
			return domain.BatchRun{}, nil, err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO queue_entries (job_id,priority,enqueued_at) VALUES (?,?,?)`, j.ID, int(j.Priority), now)
		if err != nil {
			return domain.BatchRun{}, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.BatchRun{}, nil, err
	}
	return batch, jobs, nil
}

// ClaimNext atomically claims the next pending job, highest priority first,
// FIFO by sequence within a priority. The queue entry is deleted in the same
// transaction that marks the job running, so a job is claimed at most once.
// Entries whose job is no longer pending (cancelled, or surfaced twice after
// a crash) are dropped and skipped.
func (s *Store) ClaimNext(ctx context.Context) (domain.Job, error) {
	for {
		job, retry, err := s.claimOne(ctx)
		if err != nil {
			return domain.Job{}, err
		}
		if retry {
			continue
		}
		return job, nil
	}
}

func (s *Store) claimOne(ctx context.Context) (domain.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	var jobID string
	var seq int64
	err = tx.QueryRowContext(ctx, `
SELECT seq, job_id FROM queue_entries ORDER BY priority DESC, seq ASC LIMIT 1`).Scan(&seq, &jobID)
	if err == sql.ErrNoRows {
		return domain.Job{}, false, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, false, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='running', started_at=? WHERE id=? AND status='pending'`, now, jobID)
	if err != nil {
		return domain.Job{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE seq=?`, seq); err != nil {
		return domain.Job{}, false, err
	}
	if n == 0 {
		// Stale entry: the job was cancelled or already claimed.
		if err := tx.Commit(); err != nil {
			return domain.Job{}, false, err
		}
		return domain.Job{}, true, nil
	}

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	return job, false, nil
}

// FinishJob records a terminal transition for a running job and bumps the
// parent batch counters. The status guard makes the transition idempotent:
// a finish racing a requeue or a duplicate claim matches zero rows and
// reports applied=false. The returned batch is the post-update snapshot,
// zero-valued for jobs without a batch.
func (s *Store) FinishJob(ctx context.Context, jobID string, status domain.JobStatus, result []byte, errMsg string) (domain.BatchRun, bool, error) {
	if !status.Terminal() {
		return domain.BatchRun{}, false, fmt.Errorf("finish with non-terminal status %q", status)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.BatchRun{}, false, err
	}
	defer tx.Rollback()

	var batchID string
	err = tx.QueryRowContext(ctx, `SELECT batch_id FROM jobs WHERE id=?`, jobID).Scan(&batchID)
	if err == sql.ErrNoRows {
		return domain.BatchRun{}, false, ErrNotFound
	}
	if err != nil {
		return domain.BatchRun{}, false, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status=?, result=?, error=?, finished_at=? WHERE id=? AND status='running'`,
		string(status), result, errMsg, now, jobID)
	if err != nil {
		return domain.BatchRun{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.BatchRun{}, false, err
	}
	if n == 0 {
		return domain.BatchRun{}, false, tx.Commit()
	}

	var batch domain.BatchRun
	if batchID != "" {
		col := counterColumn(status)
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET `+col+` = `+col+` + 1 WHERE id=?`, batchID); err != nil {
			return domain.BatchRun{}, false, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE batches SET finished_at=?
WHERE id=? AND finished_at IS NULL AND completed_count+failed_count+cancelled_count >= total`,
			now, batchID); err != nil {
			return domain.BatchRun{}, false, err
		}
		batch, err = getBatchTx(ctx, tx, batchID)
		if err != nil {
			return domain.BatchRun{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.BatchRun{}, false, err
	}
	return batch, n > 0, nil
}

func counterColumn(status domain.JobStatus) string {
	switch status {
	case domain.StatusCompleted:
		return "completed_count"
	case domain.StatusFailed:
		return "failed_count"
	default:
		return "cancelled_count"
	}
}

// CancelJob cancels a pending job immediately, removing its queue entry.
// For a running job it only sets the cancellation flag; the worker observes
// it at its next checkpoint. The returned status is the job's state after
// the call.
func (s *Store) CancelJob(ctx context.Context, jobID string) (domain.JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status string
	var batchID string
	err = tx.QueryRowContext(ctx, `SELECT status, batch_id FROM jobs WHERE id=?`, jobID).Scan(&status, &batchID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	switch domain.JobStatus(status) {
	case domain.StatusPending:
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='cancelled', finished_at=? WHERE id=?`, now, jobID); err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE job_id=?`, jobID); err != nil {
			return "", err
		}
		if batchID != "" {
			if err := bumpCancelledTx(ctx, tx, batchID, 1, now); err != nil {
				return "", err
			}
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return domain.StatusCancelled, nil
	case domain.StatusRunning:
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested=1 WHERE id=?`, jobID); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return domain.StatusRunning, nil
	default:
		return "", ErrAlreadyTerminal
	}
}

// CancelBatch cancels every pending job in the batch and flags running ones.
// Returns the number of jobs cancelled immediately.
func (s *Store) CancelBatch(ctx context.Context, batchID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	batch, err := getBatchTx(ctx, tx, batchID)
	if err != nil {
		return 0, err
	}
	if batch.Terminal() {
		return 0, ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='cancelled', finished_at=? WHERE batch_id=? AND status='pending'`, now, batchID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM queue_entries WHERE job_id IN (SELECT id FROM jobs WHERE batch_id=? AND status='cancelled')`, batchID); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE jobs SET cancel_requested=1 WHERE batch_id=? AND status='running'`, batchID); err != nil {
		return 0, err
	}
	if err := bumpCancelledTx(ctx, tx, batchID, int(n), now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func bumpCancelledTx(ctx context.Context, tx *sql.Tx, batchID string, n int, now time.Time) error {
	if n > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET cancelled_count = cancelled_count + ? WHERE id=?`, n, batchID); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
UPDATE batches SET finished_at=?
WHERE id=? AND finished_at IS NULL AND completed_count+failed_count+cancelled_count >= total`, now, batchID)
	return err
}

// CancelRequested is the worker's cooperative-cancellation checkpoint.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id=?`, jobID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// Requeue returns a running job to the pending queue with a fresh sequence
// number. Used when a worker abandons a job during shutdown and when
// recovering claims lost to a crash.
func (s *Store) Requeue(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='pending', started_at=NULL, cancel_requested=0 WHERE id=? AND status='running'`, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.Rollback()
	}
	var priority int
	if err := tx.QueryRowContext(ctx, `SELECT priority FROM jobs WHERE id=?`, jobID).Scan(&priority); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_entries (job_id,priority,enqueued_at) VALUES (?,?,?)`,
		jobID, priority, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// RecoverAbandoned re-enqueues every job left running by a previous process.
func (s *Store) RecoverAbandoned(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status='running'`)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Requeue(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Reprioritize moves the batch's still-pending entries to a new priority
// partition. Running and terminal jobs are unaffected.
func (s *Store) Reprioritize(ctx context.Context, batchID string, p domain.Priority) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	batch, err := getBatchTx(ctx, tx, batchID)
	if err != nil {
		return 0, err
	}
	if batch.Terminal() {
		return 0, ErrAlreadyTerminal
	}

	res, err := tx.ExecContext(ctx, `
UPDATE queue_entries SET priority=?
WHERE job_id IN (SELECT id FROM jobs WHERE batch_id=? AND status='pending')`, int(p), batchID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE jobs SET priority=? WHERE batch_id=? AND status='pending'`, int(p), batchID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// AdvanceProgress records a 10% boundary crossing. It returns true only for
// the first caller to cross the boundary, so each boundary is reported once.
func (s *Store) AdvanceProgress(ctx context.Context, batchID string, boundary int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE batches SET last_boundary=? WHERE id=? AND last_boundary < ?`, boundary, batchID, boundary)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkTerminalNotified flips the batch's terminal-notified flag. Returns true
// only for the caller that flipped it, making the terminal event idempotent
// across crash-and-restart.
func (s *Store) MarkTerminalNotified(ctx context.Context, batchID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE batches SET terminal_notified=1 WHERE id=? AND terminal_notified=0`, batchID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Sizes returns the pending entry count per priority partition.
func (s *Store) Sizes(ctx context.Context) (map[domain.Priority]int, error) {
	sizes := map[domain.Priority]int{
		domain.PriorityHigh:   0,
		domain.PriorityNormal: 0,
		domain.PriorityLow:    0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM queue_entries GROUP BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p, n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		sizes[domain.Priority(p)] = n
	}
	return sizes, rows.Err()
}

// JobIDs lists the batch's job ids in enqueue order.
func (s *Store) JobIDs(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE batch_id=? ORDER BY enqueued_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Job(ctx context.Context, id string) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	return getJobTx(ctx, tx, id)
}

func (s *Store) Batch(ctx context.Context, id string) (domain.BatchRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BatchRun{}, err
	}
	defer tx.Rollback()
	return getBatchTx(ctx, tx, id)
}

// DeleteExpired evicts terminal jobs past the results TTL and batches past
// the metadata TTL, along with any jobs still attached to those batches.
func (s *Store) DeleteExpired(ctx context.Context, resultsTTL, metadataTTL time.Duration) (jobs, batches int, err error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs WHERE status IN ('completed','failed','cancelled') AND finished_at < ?`,
		now.Add(-resultsTTL))
	if err != nil {
		return 0, 0, err
	}
	jn, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `
DELETE FROM jobs WHERE batch_id IN (SELECT id FROM batches WHERE finished_at < ?)`,
		now.Add(-metadataTTL)); err != nil {
		return 0, 0, err
	}
	res, err = s.db.ExecContext(ctx, `DELETE FROM batches WHERE finished_at < ?`, now.Add(-metadataTTL))
	if err != nil {
		return 0, 0, err
	}
	bn, _ := res.RowsAffected()
	return int(jn), int(bn), nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `
SELECT id,batch_id,priority,status,payload,result,error,callback_url,callback_secret,enqueued_at,started_at,finished_at
FROM jobs WHERE id=?`, id)
	var j domain.Job
	var priority int
	var status string
	var result []byte
	var started, finished sql.NullTime
	err := row.Scan(&j.ID, &j.BatchID, &priority, &status, (*[]byte)(&j.Payload), &result, &j.Error,
		&j.CallbackURL, &j.CallbackSecret, &j.EnqueuedAt, &started, &finished)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	j.Priority = domain.Priority(priority)
	j.Status = domain.JobStatus(status)
	if len(result) > 0 {
		j.Result = result
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func getBatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.BatchRun, error) {
	row := tx.QueryRowContext(ctx, `
SELECT id,total,completed_count,failed_count,cancelled_count,callback_url,callback_secret,last_boundary,terminal_notified,created_at,finished_at
FROM batches WHERE id=?`, id)
	var b domain.BatchRun
	var notified int
	var finished sql.NullTime
	err := row.Scan(&b.ID, &b.Total, &b.CompletedCount, &b.FailedCount, &b.CancelledCount,
		&b.CallbackURL, &b.CallbackSecret, &b.LastBoundary, &notified, &b.CreatedAt, &finished)
	if err == sql.ErrNoRows {
		return domain.BatchRun{}, ErrNotFound
	}
	if err != nil {
		return domain.BatchRun{}, err
	}
	b.TerminalNotified = notified != 0
	if finished.Valid {
		t := finished.Time
		b.FinishedAt = &t
	}
	return b, nil
}
