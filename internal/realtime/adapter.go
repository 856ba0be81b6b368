package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

const (
	ModeSingleInstance = "single-instance"
	ModeMultiInstance  = "multi-instance"
)

// Frame is the JSON text frame delivered to browsers
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// envelope wraps a frame on the backbone with the id of the instance that
// already delivered it locally
type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Adapter delivers events to every connected client across all instances.
// Without a backbone it only reaches this process's clients.
type Adapter struct {
	hub        *Hub
	backbone   Backbone
	instanceID string
	logger     *slog.Logger
}

// NewAdapter creates an Adapter. backbone may be nil for single-instance mode.
func NewAdapter(hub *Hub, backbone Backbone, logger *slog.Logger) *Adapter {
	instanceID := uuid.NewString()
	return &Adapter{
		hub:        hub,
		backbone:   backbone,
		instanceID: instanceID,
		logger:     logger.With(slog.String("instance_id", instanceID)),
	}
}

// Start subscribes to the backbone. It must return before sockets are served.
func (a *Adapter) Start(ctx context.Context) error {
	if a.backbone == nil {
		a.logger.InfoContext(ctx, "Realtime adapter running in single-instance mode")
		return nil
	}

	if err := a.backbone.Subscribe(ctx, a.deliverRemote); err != nil {
		return fmt.Errorf("failed to start realtime backbone: %w", err)
	}

	a.logger.InfoContext(ctx, "Realtime adapter running in multi-instance mode")
	return nil
}

// Broadcast delivers event to local clients once and mirrors it to the other
// instances. A backbone failure is returned after local delivery happened.
func (a *Adapter) Broadcast(ctx context.Context, event string, payload any) error {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}

	a.hub.Broadcast(frame)

	if a.backbone == nil {
		return nil
	}

	msg, err := json.Marshal(envelope{Origin: a.instanceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal backbone envelope: %w", err)
	}

	if err := a.backbone.Publish(ctx, msg); err != nil {
		a.logger.WarnContext(ctx, "Event delivered locally only",
			slog.String("event", event),
			slog.Any("error", err),
		)
		return err
	}

	return nil
}

// deliverRemote forwards backbone messages from other instances to local clients
func (a *Adapter) deliverRemote(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		a.logger.Warn("Discarding malformed backbone message",
			slog.Any("error", err),
		)
		return
	}

	// Our own clients already got this one
	if env.Origin == a.instanceID {
		return
	}

	a.hub.Broadcast(env.Frame)
}

// Mode reports whether a backbone is in use
func (a *Adapter) Mode() string {
	if a.backbone == nil {
		return ModeSingleInstance
	}
	return ModeMultiInstance
}

// States reports the backbone connection states, or nil in single-instance mode
func (a *Adapter) States() map[string]State {
	if a.backbone == nil {
		return nil
	}
	return a.backbone.States()
}

// Close shuts the backbone down. Local sockets stay open.
func (a *Adapter) Close() error {
	if a.backbone == nil {
		return nil
	}
	return a.backbone.Close()
}
