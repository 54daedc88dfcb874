package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed sql/0*.sql
var migrations embed.FS

// SQLiteStore implements Store on a single SQLite file. It is meant for
// single-box deployments and tests; queue pops and lease writes serialize
// on the one-writer connection, which gives the same atomicity the Redis
// scripts provide.
type SQLiteStore struct {
	db        *sql.DB
	eventsMax int
}

// NewSQLite opens (or creates) the database at path, applies migrations and
// returns the store. ":memory:" is accepted for tests.
func NewSQLite(ctx context.Context, path string, eventsMax int) (*SQLiteStore, error) {
	var dsn string
	if path == ":memory:" {
		dsn = ":memory:?_pragma=foreign_keys(ON)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)"
	} else {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single-writer pool: one connection keeps :memory: databases alive and
	// serializes writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, eventsMax: eventsMax}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrations, "sql")
	if err != nil {
		return fmt.Errorf("sub filesystem: %w", err)
	}
	goose.SetBaseFS(subFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---- jobs ----

func (s *SQLiteStore) PutJob(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, filename, input_path, output_path, client_id,
			requested_by_ip, user_agent, created_at_ms, started_at_ms, finished_at_ms,
			processing_ms, worker_id, lease_retries, error, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, filename = excluded.filename,
			input_path = excluded.input_path, output_path = excluded.output_path,
			client_id = excluded.client_id, requested_by_ip = excluded.requested_by_ip,
			user_agent = excluded.user_agent, created_at_ms = excluded.created_at_ms,
			started_at_ms = excluded.started_at_ms, finished_at_ms = excluded.finished_at_ms,
			processing_ms = excluded.processing_ms, worker_id = excluded.worker_id,
			lease_retries = excluded.lease_retries, error = excluded.error, mode = excluded.mode`,
		j.ID, j.Status, j.Filename, j.InputPath, j.OutputPath, j.ClientID,
		j.RequestedByIP, j.UserAgent, j.CreatedAtMs, j.StartedAtMs, j.FinishedAtMs,
		j.ProcessingMs, j.WorkerID, j.LeaseRetries, j.Error, j.Mode)
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

// jobColumns is the patch whitelist; anything else is rejected so a typo
// cannot silently become a no-op hash field like it would in Redis.
var jobColumns = map[string]bool{
	"status": true, "filename": true, "input_path": true, "output_path": true,
	"client_id": true, "requested_by_ip": true, "user_agent": true,
	"created_at_ms": true, "started_at_ms": true, "finished_at_ms": true,
	"processing_ms": true, "worker_id": true, "lease_retries": true,
	"error": true, "mode": true,
}

func (s *SQLiteStore) PatchJob(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for k, v := range fields {
		if !jobColumns[k] {
			return fmt.Errorf("patch job: unknown field %q", k)
		}
		set = append(set, k+" = ?")
		args = append(args, v)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE jobs SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("patch job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, filename, input_path, output_path, client_id,
			requested_by_ip, user_agent, created_at_ms, started_at_ms, finished_at_ms,
			processing_ms, worker_id, lease_retries, error, mode
		FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Status, &j.Filename, &j.InputPath, &j.OutputPath, &j.ClientID,
		&j.RequestedByIP, &j.UserAgent, &j.CreatedAtMs, &j.StartedAtMs, &j.FinishedAtMs,
		&j.ProcessingMs, &j.WorkerID, &j.LeaseRetries, &j.Error, &j.Mode)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		"DELETE FROM jobs WHERE id = ?",
		"DELETE FROM events WHERE job_id = ?",
		"DELETE FROM leases WHERE job_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IndexJob(ctx context.Context, id, clientID, ip string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	defer tx.Rollback()
	ins := func(kind IndexKind, key string) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO job_index (kind, key, job_id) VALUES (?, ?, ?)", int(kind), key, id)
		return err
	}
	if err := ins(IndexGlobal, ""); err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	if clientID != "" {
		if err := ins(IndexClient, clientID); err != nil {
			return fmt.Errorf("index job: %w", err)
		}
	}
	if ip != "" {
		if err := ins(IndexIP, ip); err != nil {
			return fmt.Errorf("index job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) JobIDs(ctx context.Context, kind IndexKind, key string, offset, limit int64) ([]string, error) {
	if kind == IndexGlobal {
		key = ""
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM job_index WHERE kind = ? AND key = ?
		ORDER BY seq DESC LIMIT ? OFFSET ?`, int(kind), key, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("job ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("job ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- queue ----

func (s *SQLiteStore) Enqueue(ctx context.Context, id string, priority bool) error {
	p := 0
	if priority {
		p = 1
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO queue (job_id, priority) VALUES (?, ?)", id, p); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Dequeue(ctx context.Context) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var id string
	err = tx.QueryRowContext(ctx,
		"SELECT seq, job_id FROM queue ORDER BY priority DESC, seq ASC LIMIT 1").Scan(&seq, &id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE seq = ?", seq); err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) RemoveFromQueues(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM queue WHERE job_id = ?", id); err != nil {
		return fmt.Errorf("remove from queues: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueueLens(ctx context.Context) (int64, int64, error) {
	var p0, p1 int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN priority = 1 THEN 1 END),
			COUNT(CASE WHEN priority = 0 THEN 1 END)
		FROM queue`).Scan(&p0, &p1)
	if err != nil {
		return 0, 0, fmt.Errorf("queue lens: %w", err)
	}
	return p0, p1, nil
}

// ---- workers ----

func (s *SQLiteStore) PutWorker(ctx context.Context, w *Worker) error {
	tags, _ := json.Marshal(w.Tags)
	gpu, _ := json.Marshal(w.GPU)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, name, public_url, capacity, active, last_seen_ms,
			first_seen_ms, remote_ip, tags, gpu)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, public_url = excluded.public_url,
			capacity = excluded.capacity, active = excluded.active,
			last_seen_ms = excluded.last_seen_ms, first_seen_ms = excluded.first_seen_ms,
			remote_ip = excluded.remote_ip, tags = excluded.tags, gpu = excluded.gpu`,
		w.ID, w.Name, w.PublicURL, w.Capacity, w.Active, w.LastSeenMs,
		w.FirstSeenMs, w.RemoteIP, string(tags), string(gpu))
	if err != nil {
		return fmt.Errorf("put worker: %w", err)
	}
	return nil
}

var workerColumns = map[string]bool{
	"name": true, "public_url": true, "capacity": true, "active": true,
	"last_seen_ms": true, "first_seen_ms": true, "remote_ip": true,
	"tags": true, "gpu": true,
}

func (s *SQLiteStore) PatchWorker(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for k, v := range fields {
		if !workerColumns[k] {
			return fmt.Errorf("patch worker: unknown field %q", k)
		}
		if m, ok := v.(map[string]any); ok {
			b, _ := json.Marshal(m)
			v = string(b)
		}
		set = append(set, k+" = ?")
		args = append(args, v)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE workers SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("patch worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	w := &Worker{}
	var tags, gpu string
	if err := row.Scan(&w.ID, &w.Name, &w.PublicURL, &w.Capacity, &w.Active,
		&w.LastSeenMs, &w.FirstSeenMs, &w.RemoteIP, &tags, &gpu); err != nil {
		return nil, err
	}
	if tags != "" && tags != "null" {
		_ = json.Unmarshal([]byte(tags), &w.Tags)
	}
	if gpu != "" && gpu != "null" {
		_ = json.Unmarshal([]byte(gpu), &w.GPU)
	}
	return w, nil
}

const workerSelect = `SELECT id, name, public_url, capacity, active, last_seen_ms,
	first_seen_ms, remote_ip, tags, gpu FROM workers`

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, workerSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) Workers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+" ORDER BY first_seen_ms ASC")
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("list workers: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AdjustWorkerActive(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET active = MAX(0, active + ?) WHERE id = ?", delta, id)
	if err != nil {
		return fmt.Errorf("adjust active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- leases ----

// A lease row is live while deadline_ms is in the future. The row doubles
// as the tracking entry: it stays after expiry until the reaper (or a late
// release) removes it, which is what LeaseJobIDs walks.
func (s *SQLiteStore) AcquireLease(ctx context.Context, jobID, workerID string, retries int, ttl time.Duration, nowMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer tx.Rollback()

	var deadline int64
	err = tx.QueryRowContext(ctx,
		"SELECT deadline_ms FROM leases WHERE job_id = ?", jobID).Scan(&deadline)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if err == nil && deadline > nowMs {
		return ErrLeaseExists
	}

	deadlineMs := nowMs + ttl.Milliseconds()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO leases (job_id, worker_id, deadline_ms, retries)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			worker_id = excluded.worker_id, deadline_ms = excluded.deadline_ms,
			retries = excluded.retries`,
		jobID, workerID, deadlineMs, retries); err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, started_at_ms = ?, worker_id = ? WHERE id = ?",
		StatusProcessing, nowMs, workerID, jobID); err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE workers SET active = active + 1 WHERE id = ?", workerID); err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadLease(ctx context.Context, jobID string) (*Lease, error) {
	l := &Lease{JobID: jobID}
	err := s.db.QueryRowContext(ctx,
		"SELECT worker_id, deadline_ms, retries FROM leases WHERE job_id = ? AND deadline_ms > ?",
		jobID, time.Now().UnixMilli()).Scan(&l.WorkerID, &l.DeadlineMs, &l.Retries)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	return l, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, jobID string) (*Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("release lease: %w", err)
	}
	defer tx.Rollback()

	l := &Lease{JobID: jobID}
	var deadline int64
	err = tx.QueryRowContext(ctx,
		"SELECT worker_id, deadline_ms, retries FROM leases WHERE job_id = ?",
		jobID).Scan(&l.WorkerID, &deadline, &l.Retries)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("release lease: %w", err)
	}
	l.DeadlineMs = deadline

	if _, err := tx.ExecContext(ctx, "DELETE FROM leases WHERE job_id = ?", jobID); err != nil {
		return nil, fmt.Errorf("release lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("release lease: %w", err)
	}
	// An expired row is tracking only; the lease itself is gone.
	if deadline <= time.Now().UnixMilli() {
		return nil, ErrNotFound
	}
	return l, nil
}

func (s *SQLiteStore) LeaseJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT job_id FROM leases")
	if err != nil {
		return nil, fmt.Errorf("lease job ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("lease job ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) LeaseExists(ctx context.Context, jobID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM leases WHERE job_id = ? AND deadline_ms > ?",
		jobID, time.Now().UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lease exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RemoveLeaseTracking(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("remove lease tracking: %w", err)
	}
	return nil
}

// ---- events ----

func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO events (job_id, payload) VALUES (?, ?)", jobID, payload); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE job_id = ? AND id NOT IN (
			SELECT id FROM events WHERE job_id = ? ORDER BY id DESC LIMIT ?)`,
		jobID, jobID, s.eventsMax); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Events(ctx context.Context, jobID string) ([]Event, error) {
	_, evs, err := s.eventsSince(ctx, jobID, 0)
	return evs, err
}

// eventsSince returns events with row id greater than after, oldest first,
// along with the highest row id seen.
func (s *SQLiteStore) eventsSince(ctx context.Context, jobID string, after int64) (int64, []Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, payload FROM events WHERE job_id = ? AND id > ? ORDER BY id ASC",
		jobID, after)
	if err != nil {
		return after, nil, fmt.Errorf("events: %w", err)
	}
	defer rows.Close()
	last := after
	var out []Event
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return last, nil, fmt.Errorf("events: %w", err)
		}
		last = id
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return last, out, rows.Err()
}

// sqlitePollInterval is how often a subscription checks for new rows.
// SQLite has no pub/sub; job streams degrade to polling at this period.
const sqlitePollInterval = time.Second

type sqliteSubscription struct {
	ch     chan Event
	cancel context.CancelFunc
}

func (s *sqliteSubscription) Events() <-chan Event { return s.ch }
func (s *sqliteSubscription) Close()               { s.cancel() }

func (s *SQLiteStore) SubscribeEvents(ctx context.Context, jobID string) (Subscription, error) {
	// Only rows appended after this point are delivered, matching the
	// publish-only semantics of the Redis backend. History replay is the
	// caller's job via Events.
	last, _, err := s.eventsSince(ctx, jobID, 0)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	sub := &sqliteSubscription{ch: make(chan Event, 16), cancel: cancel}

	go func() {
		defer close(sub.ch)
		ticker := time.NewTicker(sqlitePollInterval)
		defer ticker.Stop()
		after := last
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				next, evs, err := s.eventsSince(pollCtx, jobID, after)
				if err != nil {
					continue
				}
				after = next
				for _, ev := range evs {
					select {
					case sub.ch <- ev:
					case <-pollCtx.Done():
						return
					}
				}
			}
		}
	}()
	return sub, nil
}
