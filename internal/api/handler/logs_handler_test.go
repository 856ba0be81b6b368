package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/api/dto"
	"github.com/cuongbtq/sentinel-gateway/internal/domain"
	"github.com/cuongbtq/sentinel-gateway/internal/storage"
	"github.com/cuongbtq/sentinel-gateway/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJobID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

type fakeSubmitter struct {
	err      error
	artifact submission.Artifact
	body     string
	calls    int
}

func (f *fakeSubmitter) Submit(_ context.Context, artifact submission.Artifact) (*submission.Confirmation, error) {
	f.calls++
	f.artifact = artifact
	data, _ := io.ReadAll(artifact.Body)
	f.body = string(data)
	if f.err != nil {
		return nil, f.err
	}
	return &submission.Confirmation{
		Message: submission.ConfirmationMessage,
		JobID:   testJobID,
		Status:  domain.JobStatusPending,
	}, nil
}

type fakeJobs struct {
	jobs   []domain.Job
	job    *domain.Job
	err    error
	filter storage.JobFilter
}

func (f *fakeJobs) ListJobs(_ context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	f.filter = filter
	return f.jobs, f.err
}

func (f *fakeJobs) GetJobByID(_ context.Context, _ string) (*domain.Job, error) {
	return f.job, f.err
}

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLogRouter(submitter Submitter, jobs JobQuerier, maxUploadSize int64) *gin.Engine {
	h := NewLogHandler(&Dependencies{
		Logger:        discardLogger(),
		Submitter:     submitter,
		Jobs:          jobs,
		MaxUploadSize: maxUploadSize,
	})

	r := gin.New()
	r.POST("/upload", h.UploadLogFile)
	r.GET("/history", h.GetHistory)
	r.GET("/jobs/:job_id", h.GetJob)
	return r
}

func uploadRequest(t *testing.T, field, filename, contentType, content string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestUploadLogFile_Accepted(t *testing.T) {
	submitter := &fakeSubmitter{}
	r := newLogRouter(submitter, &fakeJobs{}, 1024)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, UploadFormField, "app.log", "text/plain", "ERROR boom\n"))

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Logs processed successfully", resp.Message)
	assert.Equal(t, testJobID, resp.JobID)
	assert.Equal(t, "PENDING", resp.Status)

	assert.Equal(t, "app.log", submitter.artifact.Filename)
	assert.Equal(t, "text/plain", submitter.artifact.ContentType)
	assert.Equal(t, int64(len("ERROR boom\n")), submitter.artifact.Size)
	assert.Equal(t, "ERROR boom\n", submitter.body)
}

func TestUploadLogFile_Validation(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		filename    string
		contentType string
		content     string
		wantCode    int
		wantError   string
	}{
		{
			name:        "missing file field",
			field:       "other",
			filename:    "app.log",
			contentType: "text/plain",
			content:     "x",
			wantCode:    http.StatusUnprocessableEntity,
			wantError:   msgFileRequired,
		},
		{
			name:        "wrong extension",
			field:       UploadFormField,
			filename:    "app.csv",
			contentType: "text/plain",
			content:     "x",
			wantCode:    http.StatusUnprocessableEntity,
			wantError:   msgInvalidFileType,
		},
		{
			name:        "wrong mime type",
			field:       UploadFormField,
			filename:    "app.log",
			contentType: "image/png",
			content:     "x",
			wantCode:    http.StatusUnprocessableEntity,
			wantError:   msgInvalidFileType,
		},
		{
			name:        "file larger than limit",
			field:       UploadFormField,
			filename:    "app.log",
			contentType: "text/plain",
			content:     "0123456789abcdef",
			wantCode:    http.StatusRequestEntityTooLarge,
			wantError:   msgFileTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			submitter := &fakeSubmitter{}
			r := newLogRouter(submitter, &fakeJobs{}, 10)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, uploadRequest(t, tt.field, tt.filename, tt.contentType, tt.content))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec))
			assert.Zero(t, submitter.calls)
		})
	}
}

func TestUploadLogFile_NotMultipart(t *testing.T) {
	submitter := &fakeSubmitter{}
	r := newLogRouter(submitter, &fakeJobs{}, 1024)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"file":"app.log"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidForm, decodeError(t, rec))
	assert.Zero(t, submitter.calls)
}

func TestUploadLogFile_SubmissionErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantError string
	}{
		{
			name:      "broker unavailable",
			err:       fmt.Errorf("job %s: %w", testJobID, domain.ErrQueueUnavailable),
			wantCode:  http.StatusServiceUnavailable,
			wantError: "Failed to queue analysis job",
		},
		{
			name:      "blob store failure",
			err:       errors.New("s3 down"),
			wantCode:  http.StatusInternalServerError,
			wantError: "Failed to process log file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLogRouter(&fakeSubmitter{err: tt.err}, &fakeJobs{}, 1024)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, uploadRequest(t, UploadFormField, "APP.TXT", "application/octet-stream", "x"))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec))
		})
	}
}

func TestIsAllowedLogFile(t *testing.T) {
	assert.True(t, isAllowedLogFile("a.log", "text/plain"))
	assert.True(t, isAllowedLogFile("a.LOG", "text/plain; charset=utf-8"))
	assert.True(t, isAllowedLogFile("dir/a.txt", "application/octet-stream"))
	assert.False(t, isAllowedLogFile("a.log", ""))
	assert.False(t, isAllowedLogFile("a", "text/plain"))
	assert.False(t, isAllowedLogFile("a.log.gz", "application/octet-stream"))
}

func sampleJobs(n int) []domain.Job {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	jobs := make([]domain.Job, n)
	for i := range jobs {
		jobs[i] = domain.Job{
			ID:        fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			Filename:  fmt.Sprintf("app-%d.log", i),
			Status:    domain.JobStatusCompleted,
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return jobs
}

func TestGetHistory_ReturnsArray(t *testing.T) {
	jobs := sampleJobs(2)
	jobs[0].IncidentCount = 1
	jobs[0].Incidents = []domain.Incident{{ID: "i1", JobID: jobs[0].ID, IncidentTemplate: "disk full", Occurrences: 3, Severity: 0.9}}
	fake := &fakeJobs{jobs: jobs}
	r := newLogRouter(&fakeSubmitter{}, fake, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(NextCursorHeader))
	assert.Equal(t, storage.JobFilter{}, fake.filter)

	var resp []dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "app-0.log", resp[0].Filename)
	assert.Equal(t, "COMPLETED", resp[0].Status)
	require.Len(t, resp[0].Incidents, 1)
	assert.Equal(t, "disk full", resp[0].Incidents[0].IncidentTemplate)
	assert.NotNil(t, resp[1].Incidents)
}

func TestGetHistory_EmptyIsArray(t *testing.T) {
	r := newLogRouter(&fakeSubmitter{}, &fakeJobs{jobs: []domain.Job{}}, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetHistory_Paginates(t *testing.T) {
	fake := &fakeJobs{jobs: sampleJobs(3)}
	r := newLogRouter(&fakeSubmitter{}, fake, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?page_size=2&status=completed", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, fake.filter.PageSize)
	assert.Equal(t, domain.JobStatusCompleted, fake.filter.Status)
	assert.Nil(t, fake.filter.Cursor)

	var resp []dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)

	next := rec.Header().Get(NextCursorHeader)
	require.NotEmpty(t, next)

	cursor, err := DecodeJobCursor(next)
	require.NoError(t, err)
	assert.Equal(t, resp[1].ID, cursor.JobID)

	fake.jobs = sampleJobs(1)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?page_size=2&cursor="+next, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, fake.filter.Cursor)
	assert.Equal(t, cursor.JobID, fake.filter.Cursor.JobID)
	assert.True(t, cursor.CreatedAt.Equal(fake.filter.Cursor.CreatedAt))
	assert.Empty(t, rec.Header().Get(NextCursorHeader))
}

func TestGetHistory_ClampsPageSize(t *testing.T) {
	fake := &fakeJobs{jobs: []domain.Job{}}
	r := newLogRouter(&fakeSubmitter{}, fake, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?page_size=5000", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxPageSize, fake.filter.PageSize)
}

func TestGetHistory_BadRequests(t *testing.T) {
	for _, query := range []string{
		"?page_size=-1",
		"?page_size=abc",
		"?status=RUNNING",
		"?cursor=not-a-cursor",
	} {
		t.Run(query, func(t *testing.T) {
			r := newLogRouter(&fakeSubmitter{}, &fakeJobs{}, 0)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history"+query, nil))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetHistory_StoreError(t *testing.T) {
	r := newLogRouter(&fakeSubmitter{}, &fakeJobs{err: errors.New("db down")}, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to get history", decodeError(t, rec))
}

func TestGetJob(t *testing.T) {
	job := sampleJobs(1)[0]

	tests := []struct {
		name     string
		jobID    string
		fake     *fakeJobs
		wantCode int
	}{
		{name: "found", jobID: job.ID, fake: &fakeJobs{job: &job}, wantCode: http.StatusOK},
		{name: "not found", jobID: testJobID, fake: &fakeJobs{err: domain.ErrJobNotFound}, wantCode: http.StatusNotFound},
		{name: "invalid id", jobID: "nope", fake: &fakeJobs{}, wantCode: http.StatusBadRequest},
		{name: "store error", jobID: testJobID, fake: &fakeJobs{err: errors.New("db down")}, wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLogRouter(&fakeSubmitter{}, tt.fake, 0)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+tt.jobID, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				var resp dto.JobDTO
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, job.ID, resp.ID)
				assert.Equal(t, "2026-01-01T12:00:00Z", resp.CreatedAt)
			}
		})
	}
}
