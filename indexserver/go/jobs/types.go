package jobs

import (
	"fmt"
	"time"
)

// Status describes the lifecycle state of a background job.
type Status string

const (
	STATUS_PENDING                 Status = "pending"
	STATUS_RUNNING                 Status = "running"
	STATUS_COMPLETED               Status = "completed"
	STATUS_FAILED                  Status = "failed"
	STATUS_CANCELLED               Status = "cancelled"
	STATUS_RESOLVING_PREREQUISITES Status = "resolving_prerequisites"
)

// VALID_STATUSES lists all valid job statuses.
var VALID_STATUSES = []Status{
	STATUS_PENDING,
	STATUS_RUNNING,
	STATUS_COMPLETED,
	STATUS_FAILED,
	STATUS_CANCELLED,
	STATUS_RESOLVING_PREREQUISITES,
}

// IsTerminal returns true for statuses from which a job never
// transitions again.
func (s Status) IsTerminal() bool {
	return s == STATUS_COMPLETED || s == STATUS_FAILED || s == STATUS_CANCELLED
}

// ORPHAN_FAILURE_REASON is written into jobs found in a non-terminal
// state when the server starts.
const ORPHAN_FAILURE_REASON = "Server restarted while job was in progress"

// Job is the record for one background job. Timestamps are UTC.
type Job struct {
	Id            string                 `json:"job_id"`
	OperationType string                 `json:"operation_type"`
	Status        Status                 `json:"status"`
	Created       time.Time              `json:"created_at"`
	Started       *time.Time             `json:"started_at"`
	Completed     *time.Time             `json:"completed_at"`
	Progress      int                    `json:"progress"`
	Result        map[string]interface{} `json:"result"`
	Error         string                 `json:"error"`
	Username      string                 `json:"username"`
	IsAdmin       bool                   `json:"is_admin"`
	Cancelled     bool                   `json:"cancelled"`
	RepoAlias     string                 `json:"repo_alias"`

	// Self-healing fields, written by indexing workers. Always present
	// in API output, even when zero, for API stability.
	ResolutionAttempts       int      `json:"resolution_attempts"`
	ClaudeActions            []string `json:"claude_actions"`
	FailureReason            string   `json:"failure_reason"`
	ExtendedError            string   `json:"extended_error"`
	LanguageResolutionStatus string   `json:"language_resolution_status"`
}

// Copy returns a deep copy of the Job.
func (j *Job) Copy() *Job {
	rv := new(Job)
	*rv = *j
	if j.Started != nil {
		started := *j.Started
		rv.Started = &started
	}
	if j.Completed != nil {
		completed := *j.Completed
		rv.Completed = &completed
	}
	if j.Result != nil {
		rv.Result = make(map[string]interface{}, len(j.Result))
		for k, v := range j.Result {
			rv.Result[k] = v
		}
	}
	if j.ClaudeActions != nil {
		rv.ClaudeActions = append([]string{}, j.ClaudeActions...)
	}
	return rv
}

// Validate checks the internal consistency of the Job record.
func (j *Job) Validate() error {
	if j.Id == "" {
		return fmt.Errorf("Job has no Id.")
	}
	if j.Username == "" {
		return fmt.Errorf("Job %s has no Username.", j.Id)
	}
	valid := false
	for _, s := range VALID_STATUSES {
		if j.Status == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("Job %s has invalid status %q.", j.Id, j.Status)
	}
	if j.Status.IsTerminal() && j.Completed == nil {
		return fmt.Errorf("Job %s is %s but has no completion timestamp.", j.Id, j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("Job %s has invalid progress %d.", j.Id, j.Progress)
	}
	if j.Progress == 100 && j.Status != STATUS_COMPLETED {
		return fmt.Errorf("Job %s has progress 100 but status %q.", j.Id, j.Status)
	}
	return nil
}

// JobSlice implements sort.Interface, ordering newest-first by Created.
type JobSlice []*Job

func (s JobSlice) Len() int { return len(s) }

func (s JobSlice) Less(i, j int) bool {
	return s[i].Created.After(s[j].Created)
}

func (s JobSlice) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}
