package dto

import (
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/domain"
)

type UploadResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

type HistoryRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type IncidentDTO struct {
	ID               string  `json:"id"`
	JobID            string  `json:"jobId"`
	IncidentTemplate string  `json:"incidentTemplate"`
	Occurrences      int     `json:"occurrences"`
	AvgScore         float64 `json:"avgScore"`
	Severity         float64 `json:"severity"`
	ExampleLog       string  `json:"exampleLog"`
}

type JobDTO struct {
	ID            string        `json:"id"`
	Filename      string        `json:"filename"`
	TotalLines    int           `json:"totalLines"`
	IncidentCount int           `json:"incidentCount"`
	Status        string        `json:"status"`
	CreatedAt     string        `json:"createdAt"`
	Incidents     []IncidentDTO `json:"incidents"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type RealtimeStatus struct {
	Mode     string            `json:"mode"`
	Clients  int               `json:"clients"`
	Backbone map[string]string `json:"backbone,omitempty"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Checks   map[string]string `json:"checks"`
	Realtime *RealtimeStatus   `json:"realtime,omitempty"`
}

// NewJobDTO converts a stored job into its API representation
func NewJobDTO(job domain.Job) JobDTO {
	incidents := make([]IncidentDTO, len(job.Incidents))
	for i, inc := range job.Incidents {
		incidents[i] = IncidentDTO{
			ID:               inc.ID,
			JobID:            inc.JobID,
			IncidentTemplate: inc.IncidentTemplate,
			Occurrences:      inc.Occurrences,
			AvgScore:         inc.AvgScore,
			Severity:         inc.Severity,
			ExampleLog:       inc.ExampleLog,
		}
	}

	return JobDTO{
		ID:            job.ID,
		Filename:      job.Filename,
		TotalLines:    job.TotalLines,
		IncidentCount: job.IncidentCount,
		Status:        string(job.Status),
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339Nano),
		Incidents:     incidents,
	}
}
