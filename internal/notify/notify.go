package notify

import (
	"context"
	"log"
)

// Notification is the payload delivered on lifecycle effects.
type Notification struct {
	Type            string         `json:"type"`
	CollaborationID string         `json:"collaboration_id,omitempty"`
	RoleID          string         `json:"role_id"`
	UserID          string         `json:"user_id,omitempty"`
	Message         string         `json:"message"`
	Data            map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the process log. The default when no
// webhooks are configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Printf("notify type=%s role=%s user=%s msg=%q", n.Type, n.RoleID, n.UserID, n.Message)
	return nil
}

// Multi fans out to several notifiers; the first error wins but all run.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, nf := range m {
		if err := nf.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
