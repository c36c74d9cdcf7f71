package api

import (
	"fmt"
	"time"

	"github.com/foxzi/ordermail/internal/job"
	"github.com/foxzi/ordermail/internal/upload"
)

// resultsPreviewLimit caps the results included in a job status view
const resultsPreviewLimit = 10

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// IndexResponse describes the service
type IndexResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Features  []string          `json:"features"`
	Endpoints map[string]string `json:"endpoints"`
}

// HealthResponse is the health check reply
type HealthResponse struct {
	Status  string             `json:"status"`
	Version string             `json:"version"`
	Uptime  string             `json:"uptime"`
	Jobs    map[job.Status]int `json:"jobs"`
}

// Preview holds grouping counts of a spreadsheet
type Preview struct {
	TotalEmails int `json:"totalEmails"`
	TotalOrders int `json:"totalOrders"`
}

// UploadResponse is returned after an upload
type UploadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	File    *upload.File `json:"file"`
	Preview Preview      `json:"preview"`
}

// Recipient is one grouped recipient in a preview
type Recipient struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	OrderCount int    `json:"orderCount"`
}

// PreviewData lists the recipients of a spreadsheet
type PreviewData struct {
	TotalEmails int         `json:"totalEmails"`
	TotalOrders int         `json:"totalOrders"`
	Recipients  []Recipient `json:"recipients"`
}

// PreviewResponse is the reply to a preview request
type PreviewResponse struct {
	Success bool        `json:"success"`
	Data    PreviewData `json:"data"`
}

// FilesResponse lists stored uploads
type FilesResponse struct {
	Success bool          `json:"success"`
	Count   int           `json:"count"`
	Files   []upload.File `json:"files"`
}

// MessageResponse is a plain success reply
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SubmittedJob describes a job accepted for background sending
type SubmittedJob struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename"`
	TotalEmails      int        `json:"totalEmails"`
	Status           job.Status `json:"status"`
	EstimatedTime    string     `json:"estimatedTime"`
	EstimatedBatches int        `json:"estimatedBatches"`
	StatusURL        string     `json:"statusUrl"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// SubmitResponse is the reply to an async send
type SubmitResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Job     SubmittedJob `json:"job"`
}

// SyncSendResponse is the reply to a synchronous send
type SyncSendResponse struct {
	Success  bool         `json:"success"`
	Message  string       `json:"message"`
	Summary  job.Summary  `json:"summary"`
	Duration string       `json:"duration"`
	Results  []job.Result `json:"results"`
	Error    string       `json:"error,omitempty"`
}

// JobSummary is a job without its per-recipient results
type JobSummary struct {
	ID          string       `json:"id"`
	Filename    string       `json:"filename"`
	Status      job.Status   `json:"status"`
	Progress    job.Progress `json:"progress"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt"`
}

// JobView is the status view of one job
type JobView struct {
	JobSummary
	Duration    string       `json:"duration,omitempty"`
	Summary     *job.Summary `json:"summary,omitempty"`
	Results     []job.Result `json:"results,omitempty"`
	ResultsNote string       `json:"resultsNote,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// JobStatusResponse is the reply to a status poll
type JobStatusResponse struct {
	Success bool    `json:"success"`
	Job     JobView `json:"job"`
}

// JobsResponse lists recent jobs
type JobsResponse struct {
	Success bool         `json:"success"`
	Count   int          `json:"count"`
	Total   int          `json:"total"`
	Jobs    []JobSummary `json:"jobs"`
}

// FailedResponse lists the failed recipients of a job
type FailedResponse struct {
	Success      bool                  `json:"success"`
	JobID        string                `json:"jobId"`
	Count        int                   `json:"count"`
	Retryable    int                   `json:"retryable"`
	FailedEmails []job.FailedRecipient `json:"failedEmails"`
}

func newJobSummary(s job.Snapshot) JobSummary {
	return JobSummary{
		ID:          s.ID,
		Filename:    s.Source,
		Status:      s.Status,
		Progress:    s.Progress,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

// newJobView adds outcome details once the job is terminal
func newJobView(s job.Snapshot) JobView {
	v := JobView{JobSummary: newJobSummary(s)}

	switch s.Status {
	case job.StatusCompleted:
		v.Duration = formatDuration(s.Duration())
		summary := s.Summary()
		v.Summary = &summary

		v.Results = s.Results
		if len(s.Results) > resultsPreviewLimit {
			v.Results = s.Results[:resultsPreviewLimit]
			v.ResultsNote = fmt.Sprintf("Showing %d of %d results", resultsPreviewLimit, len(s.Results))
		}
	case job.StatusFailed:
		v.Error = s.Error
	}

	return v
}

// formatDuration renders whole minutes and seconds, e.g. "1m 5s"
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
