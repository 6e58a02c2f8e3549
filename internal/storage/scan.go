package storage

import (
	"encoding/json"
	"fmt"

	"relaybot/internal/domain"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	contentCols = `id, platform, author, title, url, description, tags, attrs, is_nsfw, review_status, review_note, reviewed_at, created_at, updated_at`
	ruleCols    = `id, name, match_conditions, targets, enabled, priority, nsfw_policy, approval_required, auto_approve_conditions, rate_limit, time_window, template_id, created_at, updated_at`
	taskCols    = `id, task_type, payload, dedup_key, status, priority, retry_count, max_retries, last_error, eligible_at, claimed_by, claimed_at, created_at, updated_at`
	pushCols    = `content_id, target_id, push_status, error_message, rule_id, task_id, pushed_at`
)

func scanContent(row rowScanner) (domain.Content, error) {
	var (
		c                       domain.Content
		tags, attrs, review     string
		reviewedAt, created, up int64
	)
	if err := row.Scan(&c.ID, &c.Platform, &c.Author, &c.Title, &c.URL, &c.Description, &tags, &attrs,
		&c.IsNSFW, &review, &c.ReviewNote, &reviewedAt, &created, &up); err != nil {
		return domain.Content{}, err
	}
	var err error
	if c.Tags, err = decodeStrings(tags); err != nil {
		return domain.Content{}, fmt.Errorf("content %d tags: %w", c.ID, err)
	}
	if c.Attrs, err = decodeAttrs(attrs); err != nil {
		return domain.Content{}, fmt.Errorf("content %d attrs: %w", c.ID, err)
	}
	c.ReviewStatus = domain.ReviewStatus(review)
	c.ReviewedAt = fromMS(reviewedAt)
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(up)
	return c, nil
}

func encodeContentSets(c domain.Content) (string, string, error) {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	t, err := encodeJSON(tags)
	if err != nil {
		return "", "", err
	}
	attrs := c.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	a, err := encodeJSON(attrs)
	if err != nil {
		return "", "", err
	}
	return t, a, nil
}

func scanRule(row rowScanner) (domain.Rule, error) {
	var (
		r                   domain.Rule
		match, targets, auto string
		nsfw                string
		created, up         int64
	)
	if err := row.Scan(&r.ID, &r.Name, &match, &targets, &r.Enabled, &r.Priority, &nsfw, &r.ApprovalRequired,
		&auto, &r.RateLimit, &r.TimeWindow, &r.TemplateID, &created, &up); err != nil {
		return domain.Rule{}, err
	}
	var err error
	if r.MatchConditions, err = decodeStrings(match); err != nil {
		return domain.Rule{}, fmt.Errorf("rule %d match_conditions: %w", r.ID, err)
	}
	if r.Targets, err = decodeStrings(targets); err != nil {
		return domain.Rule{}, fmt.Errorf("rule %d targets: %w", r.ID, err)
	}
	if r.AutoApproveConditions, err = decodeStrings(auto); err != nil {
		return domain.Rule{}, fmt.Errorf("rule %d auto_approve_conditions: %w", r.ID, err)
	}
	r.NSFWPolicy = domain.NSFWPolicy(nsfw)
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(up)
	return r, nil
}

// ruleArgs returns insert arguments in ruleCols order, without id and timestamps.
func ruleArgs(r domain.Rule) ([]any, error) {
	enc := func(v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		return encodeJSON(v)
	}
	match, err := enc(r.MatchConditions)
	if err != nil {
		return nil, err
	}
	targets, err := enc(r.Targets)
	if err != nil {
		return nil, err
	}
	auto, err := enc(r.AutoApproveConditions)
	if err != nil {
		return nil, err
	}
	nsfw := r.NSFWPolicy
	if nsfw == "" {
		nsfw = domain.NSFWAllow
	}
	return []any{r.Name, match, targets, r.Enabled, r.Priority, string(nsfw), r.ApprovalRequired,
		auto, r.RateLimit, r.TimeWindow, r.TemplateID}, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                   domain.Task
		payload, status                     string
		eligible, claimed, created, updated int64
	)
	if err := row.Scan(&t.ID, &t.Type, &payload, &t.DedupKey, &status, &t.Priority, &t.RetryCount, &t.MaxRetries,
		&t.LastError, &eligible, &t.ClaimedBy, &claimed, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Payload = json.RawMessage(payload)
	t.Status = domain.TaskStatus(status)
	t.EligibleAt = fromMS(eligible)
	t.ClaimedAt = fromMS(claimed)
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	return t, nil
}

func scanPush(row rowScanner) (domain.PushedRecord, error) {
	var (
		r      domain.PushedRecord
		status string
		at     int64
	)
	if err := row.Scan(&r.ContentID, &r.TargetID, &status, &r.ErrorMessage, &r.RuleID, &r.TaskID, &at); err != nil {
		return domain.PushedRecord{}, err
	}
	r.Status = domain.PushStatus(status)
	r.PushedAt = fromMS(at)
	return r, nil
}

func decodeDecision(raw string) (domain.Decision, error) {
	var d domain.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return domain.Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}
