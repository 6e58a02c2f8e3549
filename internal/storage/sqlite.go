package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/domain"
	logx "relaybot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes claims in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- content ----

func (s *sqliteStore) GetContent(ctx context.Context, id int64) (domain.Content, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentCols+` FROM contents WHERE id = ?`, id)
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Content{}, domain.ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) PutContent(ctx context.Context, c domain.Content) (domain.Content, error) {
	if c.ID <= 0 {
		return domain.Content{}, errInvalidContentID
	}
	c.NormalizeTags()
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	tags, attrs, err := encodeContentSets(c)
	if err != nil {
		return domain.Content{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contents(id, platform, author, title, url, description, tags, attrs, is_nsfw, review_status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,'pending',?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   platform=excluded.platform, author=excluded.author, title=excluded.title, url=excluded.url,
		   description=excluded.description, tags=excluded.tags, attrs=excluded.attrs,
		   is_nsfw=excluded.is_nsfw, updated_at=excluded.updated_at`,
		c.ID, c.Platform, c.Author, c.Title, c.URL, c.Description, tags, attrs, c.IsNSFW, ms(c.CreatedAt), ms(c.UpdatedAt),
	)
	if err != nil {
		return domain.Content{}, fmt.Errorf("put content %d: %w", c.ID, err)
	}
	return s.GetContent(ctx, c.ID)
}

func (s *sqliteStore) TransitionReview(ctx context.Context, id int64, from, to domain.ReviewStatus, note string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contents SET review_status = ?, review_note = ?, reviewed_at = ? WHERE id = ? AND review_status = ?`,
		string(to), note, ms(at), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition review %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetContent(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func (s *sqliteStore) SaveDecision(ctx context.Context, contentID int64, d domain.Decision) error {
	b, err := encodeJSON(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content_decisions(content_id, decision, updated_at) VALUES(?,?,?)
		 ON CONFLICT(content_id) DO UPDATE SET decision=excluded.decision, updated_at=excluded.updated_at`,
		contentID, b, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadDecision(ctx context.Context, contentID int64) (domain.Decision, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT decision FROM content_decisions WHERE content_id = ?`, contentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Decision{}, false, nil
	}
	if err != nil {
		return domain.Decision{}, false, err
	}
	d, err := decodeDecision(raw)
	return d, err == nil, err
}

// ---- rules ----

func (s *sqliteStore) ListEnabledRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleCols+` FROM rules WHERE enabled = 1 ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutRule(ctx context.Context, r domain.Rule) (domain.Rule, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return domain.Rule{}, errRuleNameRequired
	}
	args, err := ruleArgs(r)
	if err != nil {
		return domain.Rule{}, err
	}
	now := time.Now().UnixMilli()
	args = append(args, now, now)
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO rules(name, match_conditions, targets, enabled, priority, nsfw_policy, approval_required,
		   auto_approve_conditions, rate_limit, time_window, template_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   match_conditions=excluded.match_conditions, targets=excluded.targets, enabled=excluded.enabled,
		   priority=excluded.priority, nsfw_policy=excluded.nsfw_policy, approval_required=excluded.approval_required,
		   auto_approve_conditions=excluded.auto_approve_conditions, rate_limit=excluded.rate_limit,
		   time_window=excluded.time_window, template_id=excluded.template_id, updated_at=excluded.updated_at
		 RETURNING `+ruleCols,
		args...,
	)
	return scanRule(row)
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO tasks(task_type, payload, dedup_key, status, priority, retry_count, max_retries, last_error,
		   eligible_at, claimed_by, claimed_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 RETURNING `+taskCols,
		t.Type, string(t.Payload), t.DedupKey, string(t.Status), t.Priority, t.RetryCount, t.MaxRetries, t.LastError,
		ms(t.EligibleAt), t.ClaimedBy, ms(t.ClaimedAt), ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	out, err := scanTask(row)
	if isSQLiteUnique(err) {
		return domain.Task{}, domain.ErrDuplicateTask
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) HasActiveTask(ctx context.Context, dedupKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE dedup_key = ? AND dedup_key <> '' AND status IN ('pending', 'running')`,
		dedupKey,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("active task lookup: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ClaimTask(ctx context.Context, owner string, now time.Time) (domain.Task, error) {
	n := ms(now)
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = 'running', claimed_by = ?, claimed_at = ?, updated_at = ?
		 WHERE id = (
		   SELECT id FROM tasks WHERE status = 'pending' AND eligible_at <= ?
		   ORDER BY priority DESC, eligible_at ASC, id ASC LIMIT 1
		 ) AND status = 'pending'
		 RETURNING `+taskCols,
		owner, n, n, n,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNoTask
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *sqliteStore) finish(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return errNotRunning
}

func (s *sqliteStore) CompleteTask(ctx context.Context, id int64, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'completed', updated_at = ? WHERE id = ? AND status = 'running'`,
		ms(now), id)
}

func (s *sqliteStore) FailTask(ctx context.Context, id int64, retryCount int, lastErr string, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'failed', retry_count = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		retryCount, lastErr, ms(now), id)
}

func (s *sqliteStore) RetryTask(ctx context.Context, id int64, retryCount int, lastErr string, eligibleAt, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'pending', retry_count = ?, last_error = ?, eligible_at = ?, claimed_by = '', claimed_at = 0, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		retryCount, lastErr, ms(eligibleAt), ms(now), id)
}

func (s *sqliteStore) DeferTask(ctx context.Context, id int64, eligibleAt, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'pending', eligible_at = ?, claimed_by = '', claimed_at = 0, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		ms(eligibleAt), ms(now), id)
}

func (s *sqliteStore) ReclaimStale(ctx context.Context, claimedBefore, now time.Time) (int, []domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status = 'running' AND claimed_at < ?`, ms(claimedBefore))
	if err != nil {
		return 0, nil, fmt.Errorf("select stale tasks: %w", err)
	}
	var stale []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return 0, nil, err
		}
		stale = append(stale, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	reclaimed := 0
	var failed []domain.Task
	for _, t := range stale {
		retry := t.RetryCount + 1
		var res sql.Result
		if retry >= t.MaxRetries {
			res, err = s.db.ExecContext(ctx,
				`UPDATE tasks SET status = 'failed', retry_count = ?, last_error = ?, updated_at = ?
				 WHERE id = ? AND status = 'running' AND claimed_at = ?`,
				retry, leaseExpiredMsg, ms(now), t.ID, ms(t.ClaimedAt))
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE tasks SET status = 'pending', retry_count = ?, last_error = ?, eligible_at = ?, claimed_by = '', claimed_at = 0, updated_at = ?
				 WHERE id = ? AND status = 'running' AND claimed_at = ?`,
				retry, leaseExpiredMsg, ms(now), ms(now), t.ID, ms(t.ClaimedAt))
		}
		if err != nil {
			return reclaimed, failed, fmt.Errorf("reclaim task %d: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		if retry >= t.MaxRetries {
			t.Status = domain.TaskFailed
			t.RetryCount = retry
			t.LastError = leaseExpiredMsg
			failed = append(failed, t)
		} else {
			reclaimed++
		}
	}
	return reclaimed, failed, nil
}

func (s *sqliteStore) OldestPending(ctx context.Context, now time.Time) (time.Time, bool, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(eligible_at) FROM tasks WHERE status = 'pending' AND eligible_at <= ?`, ms(now)).Scan(&v)
	if err != nil {
		return time.Time{}, false, err
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return fromMS(v.Int64), true, nil
}

func (s *sqliteStore) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	out := map[domain.TaskStatus]int{}
	err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`, func(k string, n int) {
		out[domain.TaskStatus(k)] = n
	})
	return out, err
}

func (s *sqliteStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- ledger ----

func (s *sqliteStore) RecordPush(ctx context.Context, r domain.PushedRecord) error {
	if r.PushedAt.IsZero() {
		r.PushedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pushed_records(content_id, target_id, push_status, error_message, rule_id, task_id, pushed_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(content_id, target_id) DO UPDATE SET
		   push_status=excluded.push_status, error_message=excluded.error_message,
		   rule_id=excluded.rule_id, task_id=excluded.task_id, pushed_at=excluded.pushed_at
		 WHERE pushed_records.push_status <> 'success'`,
		r.ContentID, r.TargetID, string(r.Status), r.ErrorMessage, r.RuleID, r.TaskID, ms(r.PushedAt),
	)
	if err != nil {
		return fmt.Errorf("record push %d/%s: %w", r.ContentID, r.TargetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrIdempotencyViolation
	}
	return nil
}

func (s *sqliteStore) GetPush(ctx context.Context, contentID int64, target string) (domain.PushedRecord, error) {
	r, err := scanPush(s.db.QueryRowContext(ctx,
		`SELECT `+pushCols+` FROM pushed_records WHERE content_id = ? AND target_id = ?`, contentID, target))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PushedRecord{}, domain.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListFailures(ctx context.Context, target string, limit int) ([]domain.PushedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pushCols+` FROM pushed_records
		 WHERE push_status = 'failed' AND (? = '' OR target_id = ?)
		 ORDER BY pushed_at DESC, content_id DESC LIMIT ?`,
		target, target, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()
	var out []domain.PushedRecord
	for rows.Next() {
		r, err := scanPush(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	st := newStats()
	if err := s.groupCount(ctx, `SELECT review_status, COUNT(*) FROM contents GROUP BY review_status`, func(k string, n int) {
		st.ContentByReview[domain.ReviewStatus(k)] = n
	}); err != nil {
		return st, err
	}
	if err := s.groupCount(ctx, `SELECT push_status, COUNT(*) FROM pushed_records GROUP BY push_status`, func(k string, n int) {
		st.PushByStatus[domain.PushStatus(k)] = n
	}); err != nil {
		return st, err
	}
	tasks, err := s.CountTasks(ctx)
	if err != nil {
		return st, err
	}
	st.TasksByStatus = tasks
	if oldest, ok, err := s.OldestPending(ctx, now); err != nil {
		return st, err
	} else if ok {
		st.OldestPending = now.Sub(oldest)
	}
	return st, nil
}

func (s *sqliteStore) groupCount(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}
