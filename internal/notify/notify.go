// Package notify reports terminal run outcomes to the desktop and Slack.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string
	Status  domain.RunStatus
	// Fields are short facts shown next to the message where supported
	Fields []Field
}

// Field is a named value of a notification
type Field struct {
	Name  string
	Value string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// ForRun builds the notification for a run that stopped
func ForRun(st *domain.RunState) Notification {
	n := Notification{
		RunID:  st.RunID,
		Status: st.Status,
		Fields: []Field{
			{Name: "Status", Value: string(st.Status)},
			{Name: "Cycles", Value: fmt.Sprintf("plan %d/%d, impl %d/%d", st.Phase1Cycle, st.Phase1Limit, st.Phase2Cycle, st.Phase2Limit)},
			{Name: "Open findings", Value: fmt.Sprintf("%d", len(st.OpenFindings()))},
		},
	}
	switch st.Status {
	case domain.RunDone:
		n.Type = NotifySuccess
		n.Title = "Run completed"
		n.Message = fmt.Sprintf("%s approved after %d plan and %d implementation cycles", st.TaskPath, st.Phase1Cycle, st.Phase2Cycle)
	case domain.RunFrozen:
		n.Type = NotifyWarning
		n.Title = "Run frozen"
		n.Message = fmt.Sprintf("%s paused: backend quota exhausted", st.TaskPath)
		if st.Freeze != nil {
			n.Message = fmt.Sprintf("%s paused: %s quota exhausted while serving %s", st.TaskPath, st.Freeze.Backend, st.Freeze.Role)
			if !st.Freeze.ResumeAfter.IsZero() {
				n.Message += ", resumable after " + st.Freeze.ResumeAfter.Local().Format("Jan 2 15:04")
			}
		}
	case domain.RunFailed:
		n.Type = NotifyError
		n.Title = "Run failed"
		n.Message = fmt.Sprintf("%s failed", st.TaskPath)
		if st.Failure != nil {
			n.Message = fmt.Sprintf("%s failed (%s): %s", st.TaskPath, st.Failure.Kind, st.Failure.Message)
		}
	default:
		n.Type = NotifyInfo
		n.Title = "Run waiting"
		n.Message = fmt.Sprintf("%s is at %s", st.TaskPath, st.State)
		if st.AwaitingGate {
			n.Message = fmt.Sprintf("%s is approved and waiting for manual confirmation", st.TaskPath)
		}
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers, joining their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
