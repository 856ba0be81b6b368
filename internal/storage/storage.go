package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/domain"
	"github.com/cuongbtq/sentinel-gateway/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// The analysis worker writes to the same tables, so the quoted column names
// are shared with it and aliased to snake_case for scanning.
const (
	jobColumns = `id, filename, "totalLines" AS total_lines, "incidentCount" AS incident_count,
		status, "createdAt" AS created_at`

	incidentColumns = `id, "jobId" AS job_id, "incidentTemplate" AS incident_template, occurrences,
		"avgScore" AS avg_score, severity, "exampleLog" AS example_log`
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// CreateJob inserts a PENDING job for filename and returns the stored record
func (s *Storage) CreateJob(ctx context.Context, filename string) (*domain.Job, error) {
	query := `
		INSERT INTO "AnalysisJob" (filename, status)
		VALUES ($1, $2)
		RETURNING ` + jobColumns

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, filename, domain.JobStatusPending); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	job.Incidents = []domain.Incident{}
	return &job, nil
}

// UpdateJobStatus moves a PENDING job to a terminal status. A job that is
// already COMPLETED or FAILED is left untouched and domain.ErrJobNotPending
// is returned.
func (s *Storage) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	if !domain.JobStatusPending.CanTransitionTo(status) {
		return fmt.Errorf("invalid job status transition to %q", status)
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return domain.ErrJobNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE "AnalysisJob" SET status = $1 WHERE id = $2 AND status = $3`,
		status, jobID, domain.JobStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM "AnalysisJob" WHERE id = $1)`, jobID); err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}
	if exists {
		return domain.ErrJobNotPending
	}

	return domain.ErrJobNotFound
}

// GetJobByID returns the job with its incidents, or domain.ErrJobNotFound
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrJobNotFound
	}

	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM "AnalysisJob" WHERE id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	jobs := []domain.Job{job}
	if err := s.attachIncidents(ctx, jobs); err != nil {
		return nil, err
	}

	return &jobs[0], nil
}

type JobFilter struct {
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns jobs newest first with their incidents. A zero PageSize
// returns every matching job; otherwise one extra row is fetched so callers
// can tell whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM "AnalysisJob" WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(` AND ("createdAt", id) < ($%d, $%d)`, argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by createdAt DESC, id DESC for consistent pagination
	query += ` ORDER BY "createdAt" DESC, id DESC`

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	if err := s.attachIncidents(ctx, jobs); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (s *Storage) attachIncidents(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	ids := make([]string, len(jobs))
	index := make(map[string]int, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
		index[jobs[i].ID] = i
		jobs[i].Incidents = []domain.Incident{}
	}

	var incidents []domain.Incident
	query := `SELECT ` + incidentColumns + ` FROM "Incident"
		WHERE "jobId" = ANY($1::uuid[])
		ORDER BY severity DESC, id`

	if err := s.db.SelectContext(ctx, &incidents, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load incidents: %w", err)
	}

	for _, incident := range incidents {
		if i, ok := index[incident.JobID]; ok {
			jobs[i].Incidents = append(jobs[i].Incidents, incident)
		}
	}

	return nil
}
