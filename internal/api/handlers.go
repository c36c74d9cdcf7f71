package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/ordermail/internal/dispatch"
	"github.com/foxzi/ordermail/internal/job"
	"github.com/foxzi/ordermail/internal/metrics"
	"github.com/foxzi/ordermail/internal/roster"
	"github.com/foxzi/ordermail/internal/sheet"
	"github.com/foxzi/ordermail/internal/upload"
)

// multipartOverhead is allowed on top of the file size limit for form framing
const multipartOverhead = 1 << 20

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, IndexResponse{
		Status:  "OK",
		Message: "Order confirmation mailer is running",
		Version: s.version,
		Features: []string{
			fmt.Sprintf("Concurrent batch sending (%d emails per wave)", dispatch.Concurrency),
			"Background jobs with progress polling",
			"Resend of failed recipients",
		},
		Endpoints: map[string]string{
			"upload":          "POST /api/upload",
			"preview":         "GET /api/preview/{filename}",
			"listFiles":       "GET /api/files",
			"deleteFile":      "DELETE /api/files/{filename}",
			"sendEmailsAsync": "POST /api/send-emails-async/{filename}",
			"sendEmailsSync":  "POST /api/send-emails/{filename}",
			"jobStatus":       "GET /api/job-status/{jobId}",
			"listJobs":        "GET /api/jobs",
			"failedEmails":    "GET /api/jobs/{jobId}/failed",
			"resendFailed":    "POST /api/jobs/{jobId}/resend-failed[?retryable=true]",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Jobs:    s.registry.Stats(),
	})
}

// handleUpload handles POST /api/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+multipartOverhead)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "File is too large", nil)
			return
		}
		s.sendError(w, http.StatusBadRequest, "No file uploaded", nil)
		return
	}
	defer file.Close()

	stored, err := s.store.Save(header.Filename, file)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrNotSpreadsheet), errors.Is(err, upload.ErrInvalidName):
			s.sendError(w, http.StatusBadRequest, "Only .xlsx files are accepted", err)
		case errors.Is(err, upload.ErrTooLarge):
			s.sendError(w, http.StatusRequestEntityTooLarge, "File is too large", err)
		default:
			s.logger.Error("failed to store upload", "filename", header.Filename, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to store file", err)
		}
		return
	}

	rs, err := s.loadRoster(stored.Filename)
	if err != nil {
		s.logger.Error("failed to read upload", "filename", stored.Filename, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to process file", err)
		return
	}

	stored.TotalEmails = rs.Len()
	stored.TotalOrders = rs.TotalOrders()
	if err := s.store.SetPreview(stored.Filename, stored.TotalEmails, stored.TotalOrders); err != nil {
		s.logger.Warn("failed to record preview", "filename", stored.Filename, "error", err)
	}

	s.logger.Info("file uploaded", "filename", stored.Filename, "size", stored.Size, "emails", stored.TotalEmails)

	s.sendJSON(w, http.StatusOK, UploadResponse{
		Success: true,
		Message: "File uploaded",
		File:    stored,
		Preview: Preview{TotalEmails: stored.TotalEmails, TotalOrders: stored.TotalOrders},
	})
}

// handlePreview handles GET /api/preview/{filename}
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	rs, err := s.loadRoster(filename)
	if err != nil {
		s.sendLoadError(w, filename, err)
		return
	}

	if err := s.store.SetPreview(filename, rs.Len(), rs.TotalOrders()); err != nil {
		s.logger.Warn("failed to record preview", "filename", filename, "error", err)
	}

	data := PreviewData{
		TotalEmails: rs.Len(),
		TotalOrders: rs.TotalOrders(),
		Recipients:  make([]Recipient, 0, rs.Len()),
	}
	for _, g := range rs.Groups() {
		data.Recipients = append(data.Recipients, Recipient{
			Email:      g.Email,
			Name:       g.Name,
			Phone:      g.Phone,
			OrderCount: g.OrderCount(),
		})
	}

	s.sendJSON(w, http.StatusOK, PreviewResponse{Success: true, Data: data})
}

// handleListFiles handles GET /api/files
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.List()
	if err != nil {
		s.logger.Error("failed to list files", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list files", err)
		return
	}

	s.sendJSON(w, http.StatusOK, FilesResponse{Success: true, Count: len(files), Files: files})
}

// handleDeleteFile handles DELETE /api/files/{filename}
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	if err := s.store.Delete(filename); err != nil {
		s.sendLoadError(w, filename, err)
		return
	}

	s.logger.Info("file deleted", "filename", filename)
	s.sendJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "File deleted"})
}

// handleSendAsync handles POST /api/send-emails-async/{filename}
func (s *Server) handleSendAsync(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	rs, err := s.loadRoster(filename)
	if err != nil {
		s.sendLoadError(w, filename, err)
		return
	}

	s.submit(w, r, filename, rs)
}

// handleSendSync handles POST /api/send-emails/{filename}
func (s *Server) handleSendSync(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	rs, err := s.loadRoster(filename)
	if err != nil {
		s.sendLoadError(w, filename, err)
		return
	}

	snap, err := s.scheduler.Run(r.Context(), filename, rs)
	if err != nil {
		s.sendDispatchError(w, err)
		return
	}

	resp := SyncSendResponse{
		Success:  snap.Status == job.StatusCompleted,
		Message:  "Finished sending emails",
		Summary:  snap.Summary(),
		Duration: formatDuration(snap.Duration()),
		Results:  snap.Results,
	}
	if snap.Status == job.StatusFailed {
		resp.Message = "Sending stopped before all emails were processed"
		resp.Error = snap.Error
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleJobStatus handles GET /api/job-status/{jobId}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.registry.Get(chi.URLParam(r, "jobId"))
	if !ok {
		s.sendError(w, http.StatusNotFound, "Job not found", nil)
		return
	}

	s.sendJSON(w, http.StatusOK, JobStatusResponse{Success: true, Job: newJobView(j.Snapshot())})
}

// handleListJobs handles GET /api/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := job.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	snaps := s.registry.ListRecent(limit)
	jobs := make([]JobSummary, 0, len(snaps))
	for _, snap := range snaps {
		jobs = append(jobs, newJobSummary(snap))
	}

	s.sendJSON(w, http.StatusOK, JobsResponse{
		Success: true,
		Count:   len(jobs),
		Total:   s.registry.Len(),
		Jobs:    jobs,
	})
}

// handleFailed handles GET /api/jobs/{jobId}/failed
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	j, ok := s.registry.Get(chi.URLParam(r, "jobId"))
	if !ok {
		s.sendError(w, http.StatusNotFound, "Job not found", nil)
		return
	}

	snap := j.Snapshot()
	resp := FailedResponse{
		Success:      true,
		JobID:        snap.ID,
		Count:        len(snap.FailedEmails),
		FailedEmails: snap.FailedEmails,
	}
	for _, f := range snap.FailedEmails {
		if f.Retryable {
			resp.Retryable++
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleResendFailed handles POST /api/jobs/{jobId}/resend-failed.
// With ?retryable=true only temporary failures are sent again.
func (s *Server) handleResendFailed(w http.ResponseWriter, r *http.Request) {
	retryableOnly := false
	if v := r.URL.Query().Get("retryable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "retryable must be true or false", nil)
			return
		}
		retryableOnly = b
	}

	j, ok := s.registry.Get(chi.URLParam(r, "jobId"))
	if !ok {
		s.sendError(w, http.StatusNotFound, "Job not found", nil)
		return
	}

	snap := j.Snapshot()
	if !snap.Status.IsTerminal() {
		s.sendError(w, http.StatusConflict, "Job is still running", nil)
		return
	}
	if len(snap.FailedEmails) == 0 {
		s.sendError(w, http.StatusBadRequest, "Job has no failed recipients", nil)
		return
	}

	groups := make([]roster.RecipientGroup, 0, len(snap.FailedEmails))
	for _, f := range snap.FailedEmails {
		if retryableOnly && !f.Retryable {
			continue
		}
		groups = append(groups, f.Group())
	}
	if len(groups) == 0 {
		s.sendError(w, http.StatusBadRequest, "Job has no retryable failed recipients", nil)
		return
	}

	s.logger.Info("resending failed recipients", "job_id", snap.ID, "recipients", len(groups))
	s.submit(w, r, snap.Source, roster.FromGroups(groups))
}

// submit starts a background job and replies with its handle
func (s *Server) submit(w http.ResponseWriter, r *http.Request, source string, rs *roster.Roster) {
	h, err := s.scheduler.Submit(r.Context(), source, rs)
	if err != nil {
		s.sendDispatchError(w, err)
		return
	}

	snap := h.Job().Snapshot()
	est := dispatch.Estimate(rs.Len())

	s.sendJSON(w, http.StatusOK, SubmitResponse{
		Success: true,
		Message: "Sending emails in the background",
		Job: SubmittedJob{
			ID:               snap.ID,
			Filename:         source,
			TotalEmails:      rs.Len(),
			Status:           snap.Status,
			EstimatedTime:    est.Text,
			EstimatedBatches: est.Batches,
			StatusURL:        "/api/job-status/" + snap.ID,
			CreatedAt:        snap.CreatedAt,
		},
	})
}

// loadRoster reads a stored spreadsheet and groups its rows
func (s *Server) loadRoster(filename string) (*roster.Roster, error) {
	path, err := s.store.Resolve(filename)
	if err != nil {
		return nil, err
	}

	table, err := sheet.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return roster.Group(table.Rows, s.columns), nil
}

// sendLoadError maps file errors to input or server errors
func (s *Server) sendLoadError(w http.ResponseWriter, filename string, err error) {
	switch {
	case errors.Is(err, upload.ErrInvalidName):
		s.sendError(w, http.StatusBadRequest, "Invalid filename", err)
	case errors.Is(err, upload.ErrIsDirectory):
		s.sendError(w, http.StatusBadRequest, "Path is a directory, not a file", err)
	case errors.Is(err, upload.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "File not found", err)
	default:
		s.logger.Error("failed to read spreadsheet", "filename", filename, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read spreadsheet", err)
	}
}

// sendDispatchError maps scheduler errors to HTTP statuses
func (s *Server) sendDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrShuttingDown):
		s.sendError(w, http.StatusServiceUnavailable, "Server is shutting down", err)
	case errors.Is(err, dispatch.ErrTransport):
		metrics.IncAPIErrors("relay_unavailable")
		s.logger.Error("relay verification failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Cannot connect to SMTP server", err)
	default:
		s.logger.Error("dispatch failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to send emails", err)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	s.sendJSON(w, status, resp)
}
