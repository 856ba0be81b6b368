package handler

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/sentinel-gateway/internal/api/dto"
	"github.com/cuongbtq/sentinel-gateway/internal/domain"
	"github.com/cuongbtq/sentinel-gateway/internal/storage"
	"github.com/cuongbtq/sentinel-gateway/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// UploadFormField is the multipart field carrying the log file
	UploadFormField = "file"

	// NextCursorHeader carries the cursor for the following history page
	NextCursorHeader = "X-Next-Cursor"

	maxPageSize = 100

	// room for multipart boundaries and headers on top of the file itself
	multipartOverhead = 1 << 20

	msgInvalidFileType = "Invalid file type. Only .log and .txt files are allowed."
	msgFileTooLarge    = "File too large. Check UPLOAD_MAX_FILE_SIZE limit."
	msgQueueFailed     = "Failed to queue analysis job"
	msgFileRequired    = "File is required"
	msgInvalidForm     = "Invalid multipart form"
)

var (
	allowedExtensions = map[string]bool{".log": true, ".txt": true}
	allowedMIMETypes  = map[string]bool{"text/plain": true, "application/octet-stream": true}
)

// isAllowedLogFile requires both a log extension and a text or binary MIME type
func isAllowedLogFile(filename, contentType string) bool {
	if !allowedExtensions[strings.ToLower(filepath.Ext(filename))] {
		return false
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedMIMETypes[strings.ToLower(mediaType)]
}

// UploadLogFile handles POST /api/v1/logs/upload
func (h *LogHandler) UploadLogFile(c *gin.Context) {
	ctx := c.Request.Context()

	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartOverhead)
	}

	header, err := c.FormFile(UploadFormField)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.logger.WarnContext(ctx, "Upload rejected: body too large", slog.Int64("limit", maxBytesErr.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: msgFileTooLarge})
			return
		}

		if errors.Is(err, http.ErrMissingFile) {
			h.logger.WarnContext(ctx, "Upload rejected: no file")
			c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: msgFileRequired})
			return
		}

		h.logger.WarnContext(ctx, "Upload rejected: unreadable form", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msgInvalidForm})
		return
	}

	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		h.logger.WarnContext(ctx, "Upload rejected: file too large",
			slog.String("filename", header.Filename),
			slog.Int64("size", header.Size),
		)
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: msgFileTooLarge})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !isAllowedLogFile(header.Filename, contentType) {
		h.logger.WarnContext(ctx, "Upload rejected: invalid file type",
			slog.String("filename", header.Filename),
			slog.String("content_type", contentType),
		)
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: msgInvalidFileType})
		return
	}

	file, err := header.Open()
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read uploaded file"})
		return
	}
	defer file.Close()

	confirmation, err := h.submitter.Submit(ctx, submission.Artifact{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		if errors.Is(err, domain.ErrQueueUnavailable) {
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: msgQueueFailed})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process log file"})
		return
	}

	c.JSON(http.StatusCreated, dto.UploadResponse{
		Message: confirmation.Message,
		JobID:   confirmation.JobID,
		Status:  string(confirmation.Status),
	})
}

// GetHistory handles GET /api/v1/logs/history
// Without page_size every job is returned, newest first.
func (h *LogHandler) GetHistory(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize < 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "page_size must not be negative"})
		return
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	filter := storage.JobFilter{PageSize: req.PageSize}

	if req.Status != "" {
		status := domain.JobStatus(strings.ToUpper(req.Status))
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "status must be one of PENDING, COMPLETED, FAILED"})
			return
		}
		filter.Status = status
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.WarnContext(ctx, "Invalid history cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}
	filter.Cursor = cursor

	jobs, err := h.jobs.ListJobs(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get history"})
		return
	}

	if filter.PageSize > 0 && len(jobs) > filter.PageSize {
		jobs = jobs[:filter.PageSize]
		last := jobs[len(jobs)-1]
		c.Header(NextCursorHeader, EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		}))
	}

	response := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		response[i] = dto.NewJobDTO(job)
	}

	c.JSON(http.StatusOK, response)
}

// GetJob handles GET /api/v1/logs/jobs/:job_id
func (h *LogHandler) GetJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	job, err := h.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
			return
		}
		h.logger.ErrorContext(ctx, "Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(*job))
}
