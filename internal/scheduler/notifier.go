package scheduler

import (
	"context"

	"github.com/Rarsus/verabot2.0-sub006/internal/reminders"
	"go.uber.org/zap"
)

// Target selects where a delivery goes.
type Target string

const (
	TargetDirectMessage Target = "dm"
	TargetChannel       Target = "channel"
)

// Mention is a user or role pinged by a channel delivery.
type Mention struct {
	Type reminders.AssigneeType
	ID   string
}

// Delivery is one message the notifier has to send.
type Delivery struct {
	GuildID      string
	Reminder     reminders.Reminder
	Target       Target
	AssigneeType reminders.AssigneeType
	AssigneeID   string
	ChannelID    string
	Mentions     []Mention
}

// Notifier sends a reminder to Discord or any other sink.
type Notifier interface {
	Notify(ctx context.Context, delivery Delivery) error
}

// LogNotifier writes deliveries to the log. It stands in when no bot token is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the delivery and always succeeds.
func (n LogNotifier) Notify(_ context.Context, delivery Delivery) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("reminder due",
		zap.String("guild_id", delivery.GuildID),
		zap.Int64("reminder_id", delivery.Reminder.ID),
		zap.String("subject", delivery.Reminder.Subject),
		zap.String("target", string(delivery.Target)),
		zap.String("assignee_id", delivery.AssigneeID),
		zap.String("channel_id", delivery.ChannelID),
		zap.Int("mentions", len(delivery.Mentions)))
	return nil
}

// planDeliveries turns a reminder and its assignments into messages.
// Channel reminders post once and mention every assignee. DM reminders message each
// assigned user and post role assignments to the reminder channel when one is set.
// A DM reminder without user assignees goes to its creator.
func planDeliveries(guildID string, reminder reminders.Reminder, assignments []reminders.Assignment) []Delivery {
	var users, roles []Mention
	for _, assignment := range assignments {
		mention := Mention{Type: assignment.AssigneeType, ID: assignment.AssigneeID}
		if assignment.AssigneeType == reminders.AssigneeTypeRole {
			roles = append(roles, mention)
			continue
		}
		users = append(users, mention)
	}

	channelDelivery := func(mentions []Mention) Delivery {
		return Delivery{
			GuildID:   guildID,
			Reminder:  reminder,
			Target:    TargetChannel,
			ChannelID: reminder.ChannelID,
			Mentions:  mentions,
		}
	}
	directDelivery := func(userID string) Delivery {
		return Delivery{
			GuildID:      guildID,
			Reminder:     reminder,
			Target:       TargetDirectMessage,
			AssigneeType: reminders.AssigneeTypeUser,
			AssigneeID:   userID,
		}
	}

	if reminder.NotificationMethod == reminders.NotificationMethodChannel && reminder.ChannelID != "" {
		return []Delivery{channelDelivery(append(users, roles...))}
	}

	deliveries := make([]Delivery, 0, len(users)+1)
	for _, user := range users {
		deliveries = append(deliveries, directDelivery(user.ID))
	}
	if len(roles) > 0 && reminder.ChannelID != "" {
		deliveries = append(deliveries, channelDelivery(roles))
	}
	if len(users) == 0 && reminder.CreatedBy != "" {
		deliveries = append(deliveries, directDelivery(reminder.CreatedBy))
	}
	return deliveries
}
