package domain

import "time"

// JobStatus is the lifecycle state of an analysis job.
// PENDING is the only initial state; COMPLETED and FAILED are terminal.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return s == JobStatusPending && next.IsTerminal()
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job is the durable record tracking one uploaded log file.
type Job struct {
	ID            string     `db:"id"`
	Filename      string     `db:"filename"`
	TotalLines    int        `db:"total_lines"`
	IncidentCount int        `db:"incident_count"`
	Status        JobStatus  `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	Incidents     []Incident `db:"-"`
}

// Incident is one aggregated anomaly template produced by the analysis worker.
type Incident struct {
	ID               string  `db:"id" json:"id"`
	JobID            string  `db:"job_id" json:"jobId"`
	IncidentTemplate string  `db:"incident_template" json:"incidentTemplate"`
	Occurrences      int     `db:"occurrences" json:"occurrences"`
	AvgScore         float64 `db:"avg_score" json:"avgScore"`
	Severity         float64 `db:"severity" json:"severity"`
	ExampleLog       string  `db:"example_log" json:"exampleLog"`
}
