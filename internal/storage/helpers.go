package storage

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const leaseExpiredMsg = "lease expired: worker did not finish the task"

var (
	errInvalidContentID = errors.New("content id must be > 0")
	errRuleNameRequired = errors.New("rule name is required")
	errNotRunning       = errors.New("task is not running")
)

// SortRules orders rules by priority desc, id asc.
func SortRules(rs []domain.Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

func clampLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func newStats() domain.Stats {
	return domain.Stats{
		ContentByReview: map[domain.ReviewStatus]int{},
		PushByStatus:    map[domain.PushStatus]int{},
		TasksByStatus:   map[domain.TaskStatus]int{},
	}
}

// ms and fromMS store timestamps as unix milliseconds; zero maps to 0.
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeAttrs(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
