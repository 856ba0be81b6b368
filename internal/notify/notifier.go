package notify

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/sentinel-gateway/internal/domain"
)

// EventJobUpdate is the event name browsers listen on
const EventJobUpdate = "job_update"

// Broadcaster delivers a named event to every connected client
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

// JobUpdate is the payload of a job_update event
type JobUpdate struct {
	JobID         string            `json:"jobId"`
	Status        domain.JobStatus  `json:"status"`
	IncidentCount int               `json:"incidentCount"`
	Incidents     []domain.Incident `json:"incidents"`
}

type Notifier struct {
	broadcaster Broadcaster
	logger      *slog.Logger
}

func NewNotifier(broadcaster Broadcaster, logger *slog.Logger) *Notifier {
	return &Notifier{
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// NotifyJobFinished emits one job_update event. Delivery is fire-and-forget:
// fan-out failures are logged, never returned.
func (n *Notifier) NotifyJobFinished(ctx context.Context, jobID string, status domain.JobStatus, incidents []domain.Incident, incidentCount *int) {
	update := JobUpdate{
		JobID:     jobID,
		Status:    status,
		Incidents: incidents,
	}
	if incidentCount != nil {
		update.IncidentCount = *incidentCount
	}
	if update.Incidents == nil {
		update.Incidents = []domain.Incident{}
	}

	if err := n.broadcaster.Broadcast(ctx, EventJobUpdate, update); err != nil {
		n.logger.WarnContext(ctx, "Job update fan-out incomplete",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	n.logger.InfoContext(ctx, "Job update sent",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.Int("incident_count", update.IncidentCount),
	)
}
