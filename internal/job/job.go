// Package job tracks the lifecycle and progress of email batches in memory.
package job

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/foxzi/ordermail/internal/roster"
)

// Status represents job lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Per-recipient result status
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Progress holds batch counters. Current is always Sent + Failed.
type Progress struct {
	Total      int `json:"total"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Current    int `json:"current"`
	Percentage int `json:"percentage"`
}

// Result is the outcome of one recipient delivery
type Result struct {
	Email      string `json:"email"`
	Status     string `json:"status"`
	OrderCount int    `json:"orderCount"`
	MessageID  string `json:"messageId,omitempty"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

// FailedRecipient keeps enough of a failed group for a manual resend
type FailedRecipient struct {
	Email     string            `json:"email"`
	Name      string            `json:"name"`
	Phone     string            `json:"phone"`
	Error     string            `json:"error"`
	Retryable bool              `json:"retryable"`
	Orders    []roster.OrderRow `json:"orders"`
}

// Retryable reports whether a failed delivery may succeed when sent again.
// Errors that do not classify themselves through a Temporary method count as retryable.
func Retryable(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Group returns the recipient group the failure was recorded for
func (f FailedRecipient) Group() roster.RecipientGroup {
	return roster.RecipientGroup{
		Email:  f.Email,
		Name:   f.Name,
		Phone:  f.Phone,
		Orders: f.Orders,
	}
}

// Job is a single batch. All mutation goes through its methods.
type Job struct {
	mu sync.Mutex

	id     string
	source string
	seq    uint64
	now    func() time.Time

	status      Status
	progress    Progress
	results     []Result
	failed      []FailedRecipient
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	err         string
}

// New creates a standalone pending job that is not tracked by any registry
func New(source string, total int) *Job {
	return newJob(newID(), source, total, 0, time.Now)
}

func newJob(id, source string, total int, seq uint64, now func() time.Time) *Job {
	if total < 0 {
		total = 0
	}
	return &Job{
		id:        id,
		source:    source,
		seq:       seq,
		now:       now,
		status:    StatusPending,
		progress:  Progress{Total: total},
		createdAt: now(),
	}
}

// ID returns the job identifier
func (j *Job) ID() string {
	return j.id
}

// Source returns the spreadsheet the job was created from
func (j *Job) Source() string {
	return j.source
}

// Status returns the current state
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Begin moves a pending job to in_progress
func (j *Job) Begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusPending {
		return false
	}
	j.status = StatusInProgress
	j.startedAt = j.now()
	return true
}

// Record applies the outcome of one recipient. A nil err counts as sent.
// Calls on a terminal job or beyond the total are ignored.
func (j *Job) Record(group *roster.RecipientGroup, messageID string, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.IsTerminal() || j.progress.Current >= j.progress.Total {
		return false
	}

	res := Result{
		Email:      group.Email,
		OrderCount: group.OrderCount(),
	}
	if err == nil {
		res.Status = ResultSuccess
		res.MessageID = messageID
		j.progress.Sent++
	} else {
		res.Status = ResultFailed
		res.Error = err.Error()
		res.Retryable = Retryable(err)
		j.progress.Failed++
		j.failed = append(j.failed, FailedRecipient{
			Email:     group.Email,
			Name:      group.Name,
			Phone:     group.Phone,
			Error:     res.Error,
			Retryable: res.Retryable,
			Orders:    group.Orders,
		})
	}
	j.results = append(j.results, res)
	j.progress.Current = j.progress.Sent + j.progress.Failed
	j.progress.Percentage = percentage(j.progress.Current, j.progress.Total)
	return true
}

// Complete marks the job as completed
func (j *Job) Complete() bool {
	return j.finish(StatusCompleted, "")
}

// Fail marks the job as failed with the given error
func (j *Job) Fail(err error) bool {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return j.finish(StatusFailed, msg)
}

func (j *Job) finish(status Status, errMsg string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.IsTerminal() {
		return false
	}
	j.status = status
	j.err = errMsg
	j.completedAt = j.now()
	return true
}

func percentage(current, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(current) / float64(total)))
}

// Snapshot is a point-in-time deep copy of a job
type Snapshot struct {
	ID           string            `json:"id"`
	Source       string            `json:"source,omitempty"`
	Status       Status            `json:"status"`
	Progress     Progress          `json:"progress"`
	Results      []Result          `json:"results"`
	FailedEmails []FailedRecipient `json:"failedEmails"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Snapshot returns a copy that is safe to read and serialize
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:           j.id,
		Source:       j.source,
		Status:       j.status,
		Progress:     j.progress,
		Results:      append([]Result{}, j.results...),
		FailedEmails: make([]FailedRecipient, len(j.failed)),
		CreatedAt:    j.createdAt,
		Error:        j.err,
	}
	for i, f := range j.failed {
		f.Orders = append([]roster.OrderRow(nil), f.Orders...)
		s.FailedEmails[i] = f
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		s.CompletedAt = &t
	}
	return s
}

// Duration returns the wall time between start and completion
func (s Snapshot) Duration() time.Duration {
	if s.CompletedAt == nil {
		return 0
	}
	start := s.CreatedAt
	if s.StartedAt != nil {
		start = *s.StartedAt
	}
	return s.CompletedAt.Sub(start)
}

// Summary is the final result of a batch
type Summary struct {
	Total    int           `json:"total"`
	Success  int           `json:"success"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"-"`
}

// Summary derives the batch summary from the snapshot counters
func (s Snapshot) Summary() Summary {
	return Summary{
		Total:    s.Progress.Total,
		Success:  s.Progress.Sent,
		Failed:   s.Progress.Failed,
		Duration: s.Duration(),
	}
}
