package server

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/longform-tts/internal/app"
	"github.com/book-expert/longform-tts/internal/audio"
	"github.com/book-expert/longform-tts/internal/core"
	"github.com/book-expert/longform-tts/internal/humanize"
	"github.com/book-expert/longform-tts/internal/jobs"
)

const (
	apiPrefix          = "/api/long-text"
	downloadURLFormat  = apiPrefix + "/jobs/%s/download"
	fallbackNameLength = 8
)

var contentTypes = map[audio.Format]string{
	audio.FormatWAV:  "audio/wav",
	audio.FormatMP3:  "audio/mpeg",
	audio.FormatFLAC: "audio/flac",
	audio.FormatOGG:  "audio/ogg",
	audio.FormatM4A:  "audio/mp4",
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST "+apiPrefix+"/jobs", s.handleCreate)
	mux.HandleFunc("GET "+apiPrefix+"/jobs", s.handleList)
	mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}", s.handleStatus)
	mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}/details", s.handleDetails)
	mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}/download", s.handleDownload)
	mux.HandleFunc("POST "+apiPrefix+"/jobs/{id}/pause", s.handlePause)
	mux.HandleFunc("POST "+apiPrefix+"/jobs/{id}/resume", s.handleResume)
	mux.HandleFunc("DELETE "+apiPrefix+"/jobs/{id}", s.handleCancelOrDelete)
	mux.HandleFunc("PATCH "+apiPrefix+"/jobs/{id}", s.handleUpdate)
	mux.HandleFunc("POST "+apiPrefix+"/jobs/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}/ws", s.handleWebsocket)

	mux.HandleFunc("GET "+apiPrefix+"/history", s.handleHistory)
	mux.HandleFunc("GET "+apiPrefix+"/history/stats", s.handleHistoryStats)
	mux.HandleFunc("DELETE "+apiPrefix+"/history", s.handleClearHistory)
	mux.HandleFunc("POST "+apiPrefix+"/bulk", s.handleBulk)
	mux.HandleFunc("GET "+apiPrefix+"/storage", s.handleStorage)
	mux.HandleFunc("POST "+apiPrefix+"/maintenance", s.handleMaintenance)
}

type healthResponse struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"activeJobs"`
	QueuedJobs int    `json:"queuedJobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		ActiveJobs: len(s.svc.Processor.Active()),
		QueuedJobs: s.svc.Processor.Queued(),
	})
}

type createRequest struct {
	Text         string          `json:"text"`
	Voice        string          `json:"voice"`
	OutputFormat string          `json:"outputFormat"`
	Parameters   core.Parameters `json:"parameters"`
	SessionID    string          `json:"sessionId"`
	DisplayName  string          `json:"displayName"`
	Tags         []string        `json:"tags"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest

	err := decodeJSON(w, r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	result, err := s.svc.CreateJob(r.Context(), jobs.CreateRequest{
		Text:         req.Text,
		Voice:        req.Voice,
		OutputFormat: req.OutputFormat,
		Parameters:   req.Parameters,
		SessionID:    req.SessionID,
		DisplayName:  req.DisplayName,
		Tags:         req.Tags,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := jobs.ListOptions{SessionID: query.Get("session_id")}

	if value := query.Get("status"); value != "" {
		status, err := core.ParseStatus(value)
		if err != nil {
			s.writeError(w, err)

			return
		}

		opts.Status = &status
	}

	limit, err := intParam(query.Get("limit"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	opts.Limit = limit

	result, err := s.svc.Manager.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	view, err := s.svc.Manager.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if view.Status == core.StatusCompleted {
		view.DownloadURL = fmt.Sprintf(downloadURLFormat, id)
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.svc.Manager.Details(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, path, err := s.svc.Manager.OutputFile(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	file, err := os.Open(path)
	if err != nil {
		s.writeError(w, fmt.Errorf("output file of job %s is missing: %w", id, err))

		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to stat output of job %s: %w", id, err))

		return
	}

	fallback := "long_text_" + id[:min(len(id), fallbackNameLength)]
	filename := humanize.SanitizeFilename(job.DisplayName, fallback) + "." + job.OutputFormat

	if contentType, ok := contentTypes[audio.Format(job.OutputFormat)]; ok {
		w.Header().Set("Content-Type", contentType)
	}

	_, err = s.svc.Manager.TrackAccess(r.Context(), id)
	if err != nil {
		s.log.Warn("Failed to record access of job %s: %v", id, err)
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.PauseJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.ResumeJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, job)
}

type actionResponse struct {
	JobID  string      `json:"jobId"`
	Action string      `json:"action"`
	Status core.Status `json:"status,omitempty"`
}

func (s *Server) handleCancelOrDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.URL.Query().Get("action")

	switch action {
	case "", "cancel":
		job, err := s.svc.CancelJob(r.Context(), id)
		if err != nil {
			s.writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, actionResponse{JobID: id, Action: "cancel", Status: job.Status})
	case "delete":
		err := s.svc.DeleteJob(r.Context(), id)
		if err != nil {
			s.writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, actionResponse{JobID: id, Action: "delete"})
	default:
		s.writeError(w, fmt.Errorf("%w %q", app.ErrUnknownAction, action))
	}
}

type updateRequest struct {
	DisplayName *string   `json:"displayName"`
	Tags        *[]string `json:"tags"`
	IsArchived  *bool     `json:"isArchived"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest

	err := decodeJSON(w, r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	update := jobs.MetadataUpdate{DisplayName: req.DisplayName, IsArchived: req.IsArchived}
	if req.Tags != nil {
		update.Tags = *req.Tags
		update.SetTags = true
	}

	err = app.ValidateMetadata(update.DisplayName, update.Tags)
	if err != nil {
		s.writeError(w, err)

		return
	}

	job, err := s.svc.Manager.UpdateMetadata(r.Context(), r.PathValue("id"), update)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, job)
}

type retryRequest struct {
	PreserveChunks bool            `json:"preserveChunks"`
	Parameters     core.Parameters `json:"parameters"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest

	if r.ContentLength != 0 {
		err := decodeJSON(w, r, &req)
		if err != nil {
			s.writeError(w, err)

			return
		}
	}

	result, err := s.svc.RetryJob(r.Context(), r.PathValue("id"), jobs.RetryOptions{
		PreserveChunks: req.PreserveChunks,
		Parameters:     req.Parameters,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query, err := parseHistoryQuery(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	page, err := s.svc.Manager.ListHistory(r.Context(), query)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, page)
}

func parseHistoryQuery(r *http.Request) (jobs.HistoryQuery, error) {
	values := r.URL.Query()
	query := jobs.HistoryQuery{Search: values.Get("search"), SessionID: values.Get("session_id")}

	for _, raw := range strings.Split(values.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}

		status, err := core.ParseStatus(raw)
		if err != nil {
			return query, err
		}

		query.Statuses = append(query.Statuses, status)
	}

	var err error

	query.From, err = timeParam(values.Get("from"))
	if err != nil {
		return query, err
	}

	query.To, err = timeParam(values.Get("to"))
	if err != nil {
		return query, err
	}

	if raw := values.Get("archived"); raw != "" {
		archived, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			return query, fmt.Errorf("%w: archived must be a boolean", core.ErrValidation)
		}

		query.Archived = &archived
	}

	query.Sort, err = jobs.ParseSortKey(values.Get("sort"))
	if err != nil {
		return query, err
	}

	query.Offset, err = intParam(values.Get("offset"))
	if err != nil {
		return query, err
	}

	query.Limit, err = intParam(values.Get("limit"))

	return query, err
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Manager.HistoryStats(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))

	result, err := s.svc.ClearHistory(r.Context(), confirm)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req app.BulkRequest

	err := decodeJSON(w, r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	result, err := s.svc.Bulk(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Manager.StorageStats(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.RunMaintenance(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", core.ErrValidation, raw)
	}

	return value, nil
}

// timeParam accepts RFC 3339 timestamps or plain dates.
func timeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return &parsed, nil
		}
	}

	return nil, fmt.Errorf("%w: %q is not a date", core.ErrValidation, raw)
}
