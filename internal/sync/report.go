package sync

import (
	"time"
)

// Status is the outcome of one entity type within a run
type Status string

// Entity outcomes
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"

	// StatusPartial means some parents of a scoped entity type failed while others synced
	StatusPartial Status = "partial"
)

// EntityResult is the typed result of one graph node
type EntityResult struct {
	Entity     string        `json:"entity"`
	Tier       int           `json:"tier"`
	Status     Status        `json:"status"`
	Count      int           `json:"count"`
	Skipped    int           `json:"skipped,omitempty"`
	SoftErrors int           `json:"soft_errors,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Err        error         `json:"-"`
}

// Report collects the results of one account run
type Report struct {
	RunID      string         `json:"run_id"`
	AccountID  string         `json:"account_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []EntityResult `json:"results"`
}

// Result returns the result for an entity type
func (r *Report) Result(entity string) (EntityResult, bool) {
	for _, res := range r.Results {
		if res.Entity == entity {
			return res, true
		}
	}
	return EntityResult{}, false
}

// TotalRecords is the number of records upserted across all entity types
func (r *Report) TotalRecords() int {
	total := 0
	for _, res := range r.Results {
		total += res.Count
	}
	return total
}

// Failed returns the results that ended in StatusFailed
func (r *Report) Failed() []EntityResult {
	var failed []EntityResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			failed = append(failed, res)
		}
	}
	return failed
}
