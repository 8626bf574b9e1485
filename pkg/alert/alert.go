// Package alert broadcasts failed background jobs to external destinations.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/insightradar/internal/jobs"
	"github.com/elonfeng/insightradar/internal/logging"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	JobID      string    `json:"job_id"`
	Kind       jobs.Kind `json:"kind"`
	Target     int64     `json:"target"`
	Mode       string    `json:"mode,omitempty"`
	ErrorKind  string    `json:"error_kind"`
	FinishedAt time.Time `json:"finished_at"`
}

// FromJob describes a failed job.
func FromJob(j jobs.Job) *Notification {
	n := &Notification{
		Title:     fmt.Sprintf("%s job failed for %d", j.Kind, j.Target),
		Body:      j.Error,
		JobID:     j.ID,
		Kind:      j.Kind,
		Target:    j.Target,
		Mode:      j.Mode,
		ErrorKind: j.ErrorKind,
	}
	if j.FinishedAt != nil {
		n.FinishedAt = *j.FinishedAt
	}
	return n
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
	timeout   time.Duration
}

func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers, timeout: 10 * time.Second}
}

func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// JobFailed broadcasts a failed job. Delivery errors are logged only.
func (m *Manager) JobFailed(j jobs.Job) {
	if !m.HasNotifiers() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.Broadcast(ctx, FromJob(j)); err != nil {
		logging.Warn("alert_failed", map[string]any{"job_id": j.ID, "error": err})
	}
}
