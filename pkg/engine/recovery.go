package engine

import (
	"sort"
	"sync"
	"time"
)

// RecoveryIssue is a change unit that needs manual intervention.
type RecoveryIssue struct {
	ChangeID       string    `json:"change_id"`
	TargetSystemID string    `json:"target_system_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// RecoveryCollector accumulates recovery issues for a run, deduplicated by
// change id. It is safe for concurrent use.
type RecoveryCollector struct {
	mu     sync.Mutex
	issues map[string]RecoveryIssue
}

// NewRecoveryCollector creates an empty collector.
func NewRecoveryCollector() *RecoveryCollector {
	return &RecoveryCollector{issues: make(map[string]RecoveryIssue)}
}

// Record adds an issue. Recording a change id twice keeps the first issue.
func (c *RecoveryCollector) Record(issue RecoveryIssue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.issues[issue.ChangeID]; exists {
		return
	}
	if issue.RecordedAt.IsZero() {
		issue.RecordedAt = time.Now()
	}
	c.issues[issue.ChangeID] = issue
}

// Has returns true if an issue was recorded for changeID.
func (c *RecoveryCollector) Has(changeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.issues[changeID]
	return ok
}

// Len returns the number of distinct issues.
func (c *RecoveryCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.issues)
}

// All returns the issues sorted by change id.
func (c *RecoveryCollector) All() []RecoveryIssue {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RecoveryIssue, 0, len(c.issues))
	for _, issue := range c.issues {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeID < out[j].ChangeID })
	return out
}
