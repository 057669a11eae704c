package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Notification is sent to one emergency contact.
type Notification struct {
	SessionID string                     `json:"session_id"`
	UserID    string                     `json:"user_id"`
	Contact   contracts.EmergencyContact `json:"contact"`
	Action    contracts.EmergencyAction  `json:"action"`
}

// Notifier delivers notifications to emergency contacts.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ErrUnsupportedChannel is returned for contacts on a channel without a
// configured notifier.
var ErrUnsupportedChannel = errors.New("emergency: unsupported contact channel")

// ChannelRouter routes notifications by contact channel.
type ChannelRouter map[string]Notifier

func (r ChannelRouter) Notify(ctx context.Context, n Notification) error {
	nt, ok := r[n.Contact.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, n.Contact.Channel)
	}
	return nt.Notify(ctx, n)
}

// LogNotifier records notifications in the log. It stands in for channels
// whose delivery is handled by an outside system reading the logs.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default().With("component", "emergency")
	}
	logger.WarnContext(ctx, "emergency contact notification",
		"session_id", n.SessionID, "user_id", n.UserID,
		"channel", n.Contact.Channel, "contact", n.Contact.Name,
		"trigger", n.Action.Trigger, "action", n.Action.Action)
	return nil
}
