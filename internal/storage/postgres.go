package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaybot/internal/domain"
	logx "relaybot/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func isPGUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- content ----

func (s *pgStore) GetContent(ctx context.Context, id int64) (domain.Content, error) {
	c, err := scanContent(s.pool.QueryRow(ctx, `SELECT `+contentCols+` FROM contents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Content{}, domain.ErrNotFound
	}
	return c, err
}

func (s *pgStore) PutContent(ctx context.Context, c domain.Content) (domain.Content, error) {
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
	row := s.pool.QueryRow(ctx,
		`INSERT INTO contents(id, platform, author, title, url, description, tags, attrs, is_nsfw, review_status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',$10,$11)
		 ON CONFLICT(id) DO UPDATE SET
		   platform=excluded.platform, author=excluded.author, title=excluded.title, url=excluded.url,
		   description=excluded.description, tags=excluded.tags, attrs=excluded.attrs,
		   is_nsfw=excluded.is_nsfw, updated_at=excluded.updated_at
		 RETURNING `+contentCols,
		c.ID, c.Platform, c.Author, c.Title, c.URL, c.Description, tags, attrs, c.IsNSFW, ms(c.CreatedAt), ms(c.UpdatedAt),
	)
	out, err := scanContent(row)
	if err != nil {
		return domain.Content{}, fmt.Errorf("put content %d: %w", c.ID, err)
	}
	return out, nil
}

func (s *pgStore) TransitionReview(ctx context.Context, id int64, from, to domain.ReviewStatus, note string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contents SET review_status = $1, review_note = $2, reviewed_at = $3 WHERE id = $4 AND review_status = $5`,
		string(to), note, ms(at), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition review %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetContent(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func (s *pgStore) SaveDecision(ctx context.Context, contentID int64, d domain.Decision) error {
	b, err := encodeJSON(d)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO content_decisions(content_id, decision, updated_at) VALUES($1,$2,$3)
		 ON CONFLICT(content_id) DO UPDATE SET decision=excluded.decision, updated_at=excluded.updated_at`,
		contentID, b, time.Now().UnixMilli(),
	)
	return err
}

func (s *pgStore) LoadDecision(ctx context.Context, contentID int64) (domain.Decision, bool, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT decision FROM content_decisions WHERE content_id = $1`, contentID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Decision{}, false, nil
	}
	if err != nil {
		return domain.Decision{}, false, err
	}
	d, err := decodeDecision(raw)
	return d, err == nil, err
}

// ---- rules ----

func (s *pgStore) ListEnabledRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleCols+` FROM rules WHERE enabled ORDER BY priority DESC, id ASC`)
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

func (s *pgStore) PutRule(ctx context.Context, r domain.Rule) (domain.Rule, error) {
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
	return scanRule(s.pool.QueryRow(ctx,
		`INSERT INTO rules(name, match_conditions, targets, enabled, priority, nsfw_policy, approval_required,
		   auto_approve_conditions, rate_limit, time_window, template_id, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT(name) DO UPDATE SET
		   match_conditions=excluded.match_conditions, targets=excluded.targets, enabled=excluded.enabled,
		   priority=excluded.priority, nsfw_policy=excluded.nsfw_policy, approval_required=excluded.approval_required,
		   auto_approve_conditions=excluded.auto_approve_conditions, rate_limit=excluded.rate_limit,
		   time_window=excluded.time_window, template_id=excluded.template_id, updated_at=excluded.updated_at
		 RETURNING `+ruleCols,
		args...,
	))
}

// ---- tasks ----

func (s *pgStore) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	out, err := scanTask(s.pool.QueryRow(ctx,
		`INSERT INTO tasks(task_type, payload, dedup_key, status, priority, retry_count, max_retries, last_error,
		   eligible_at, claimed_by, claimed_at, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 RETURNING `+taskCols,
		t.Type, string(t.Payload), t.DedupKey, string(t.Status), t.Priority, t.RetryCount, t.MaxRetries, t.LastError,
		ms(t.EligibleAt), t.ClaimedBy, ms(t.ClaimedAt), ms(t.CreatedAt), ms(t.UpdatedAt),
	))
	if isPGUnique(err) {
		return domain.Task{}, domain.ErrDuplicateTask
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return out, nil
}

func (s *pgStore) HasActiveTask(ctx context.Context, dedupKey string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE dedup_key = $1 AND dedup_key <> '' AND status IN ('pending', 'running'))`,
		dedupKey,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("active task lookup: %w", err)
	}
	return ok, nil
}

func (s *pgStore) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

// ClaimTask locks one eligible row with SKIP LOCKED so concurrent workers in
// other processes pick different tasks instead of queueing on the same row.
func (s *pgStore) ClaimTask(ctx context.Context, owner string, now time.Time) (domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = 'running', claimed_by = $1, claimed_at = $2, updated_at = $2
		 WHERE id = (
		   SELECT id FROM tasks WHERE status = 'pending' AND eligible_at <= $2
		   ORDER BY priority DESC, eligible_at ASC, id ASC
		   LIMIT 1 FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+taskCols,
		owner, ms(now),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNoTask
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *pgStore) finish(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return errNotRunning
}

func (s *pgStore) CompleteTask(ctx context.Context, id int64, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'completed', updated_at = $1 WHERE id = $2 AND status = 'running'`,
		ms(now), id)
}

func (s *pgStore) FailTask(ctx context.Context, id int64, retryCount int, lastErr string, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'failed', retry_count = $1, last_error = $2, updated_at = $3 WHERE id = $4 AND status = 'running'`,
		retryCount, lastErr, ms(now), id)
}

func (s *pgStore) RetryTask(ctx context.Context, id int64, retryCount int, lastErr string, eligibleAt, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'pending', retry_count = $1, last_error = $2, eligible_at = $3, claimed_by = '', claimed_at = 0, updated_at = $4
		 WHERE id = $5 AND status = 'running'`,
		retryCount, lastErr, ms(eligibleAt), ms(now), id)
}

func (s *pgStore) DeferTask(ctx context.Context, id int64, eligibleAt, now time.Time) error {
	return s.finish(ctx, id,
		`UPDATE tasks SET status = 'pending', eligible_at = $1, claimed_by = '', claimed_at = 0, updated_at = $2
		 WHERE id = $3 AND status = 'running'`,
		ms(eligibleAt), ms(now), id)
}

func (s *pgStore) ReclaimStale(ctx context.Context, claimedBefore, now time.Time) (int, []domain.Task, error) {
	n := ms(now)
	rows, err := s.pool.Query(ctx,
		`UPDATE tasks SET
		   retry_count = retry_count + 1,
		   last_error = $1,
		   status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		   eligible_at = CASE WHEN retry_count + 1 >= max_retries THEN eligible_at ELSE $2 END,
		   claimed_by = '', claimed_at = 0, updated_at = $2
		 WHERE status = 'running' AND claimed_at < $3
		 RETURNING `+taskCols,
		leaseExpiredMsg, n, ms(claimedBefore),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("reclaim stale: %w", err)
	}
	defer rows.Close()
	reclaimed := 0
	var failed []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return reclaimed, failed, err
		}
		if t.Status == domain.TaskFailed {
			failed = append(failed, t)
		} else {
			reclaimed++
		}
	}
	return reclaimed, failed, rows.Err()
}

func (s *pgStore) OldestPending(ctx context.Context, now time.Time) (time.Time, bool, error) {
	var v *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(eligible_at) FROM tasks WHERE status = 'pending' AND eligible_at <= $1`, ms(now)).Scan(&v)
	if err != nil {
		return time.Time{}, false, err
	}
	if v == nil {
		return time.Time{}, false, nil
	}
	return fromMS(*v), true, nil
}

func (s *pgStore) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	out := map[domain.TaskStatus]int{}
	err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`, func(k string, n int) {
		out[domain.TaskStatus(k)] = n
	})
	return out, err
}

func (s *pgStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < $1`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- ledger ----

func (s *pgStore) RecordPush(ctx context.Context, r domain.PushedRecord) error {
	if r.PushedAt.IsZero() {
		r.PushedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pushed_records(content_id, target_id, push_status, error_message, rule_id, task_id, pushed_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT(content_id, target_id) DO UPDATE SET
		   push_status=excluded.push_status, error_message=excluded.error_message,
		   rule_id=excluded.rule_id, task_id=excluded.task_id, pushed_at=excluded.pushed_at
		 WHERE pushed_records.push_status <> 'success'`,
		r.ContentID, r.TargetID, string(r.Status), r.ErrorMessage, r.RuleID, r.TaskID, ms(r.PushedAt),
	)
	if err != nil {
		return fmt.Errorf("record push %d/%s: %w", r.ContentID, r.TargetID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdempotencyViolation
	}
	return nil
}

func (s *pgStore) GetPush(ctx context.Context, contentID int64, target string) (domain.PushedRecord, error) {
	r, err := scanPush(s.pool.QueryRow(ctx,
		`SELECT `+pushCols+` FROM pushed_records WHERE content_id = $1 AND target_id = $2`, contentID, target))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PushedRecord{}, domain.ErrNotFound
	}
	return r, err
}

func (s *pgStore) ListFailures(ctx context.Context, target string, limit int) ([]domain.PushedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pushCols+` FROM pushed_records
		 WHERE push_status = 'failed' AND ($1::text = '' OR target_id = $1::text)
		 ORDER BY pushed_at DESC, content_id DESC LIMIT $2`,
		target, clampLimit(limit))
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

func (s *pgStore) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
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

func (s *pgStore) groupCount(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, int(n))
	}
	return rows.Err()
}
