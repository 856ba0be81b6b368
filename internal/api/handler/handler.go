package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/sentinel-gateway/internal/domain"
	"github.com/cuongbtq/sentinel-gateway/internal/realtime"
	"github.com/cuongbtq/sentinel-gateway/internal/storage"
	"github.com/cuongbtq/sentinel-gateway/internal/submission"
)

// Submitter runs the upload pipeline
type Submitter interface {
	Submit(ctx context.Context, artifact submission.Artifact) (*submission.Confirmation, error)
}

// JobQuerier reads job records
type JobQuerier interface {
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
}

// SocketServer serves browser WebSocket connections
type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, clientID string)
	ClientCount() int
}

// RealtimeReporter exposes the fan-out mode and backbone health
type RealtimeReporter interface {
	Mode() string
	States() map[string]realtime.State
}

// HealthChecker is implemented by every infrastructure client
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	ServiceName   string
	AllowedOrigin string
	MaxUploadSize int64
	Submitter     Submitter
	Jobs          JobQuerier
	Sockets       SocketServer
	Realtime      RealtimeReporter
	HealthChecks  map[string]HealthChecker
}

// LogHandler handles log upload and history requests
type LogHandler struct {
	logger        *slog.Logger
	submitter     Submitter
	jobs          JobQuerier
	maxUploadSize int64
}

// NewLogHandler creates a new LogHandler instance
func NewLogHandler(deps *Dependencies) *LogHandler {
	return &LogHandler{
		logger:        deps.Logger,
		submitter:     deps.Submitter,
		jobs:          deps.Jobs,
		maxUploadSize: deps.MaxUploadSize,
	}
}
