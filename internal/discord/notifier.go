package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Rarsus/verabot2.0-sub006/internal/reminders"
	"github.com/Rarsus/verabot2.0-sub006/internal/scheduler"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// maxMessageLength is Discord's per-message character limit.
const maxMessageLength = 2000

var (
	errMissingToken   = errors.New("discord: bot token is required")
	errMissingChannel = errors.New("discord: channel delivery without a channel id")
	errMissingUser    = errors.New("discord: direct message without a user id")
)

// Session is the subset of discordgo.Session the notifier needs.
type Session interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier delivers reminders through the Discord REST API.
type Notifier struct {
	session Session
	logger  *zap.Logger
}

// NewNotifier opens a REST-only discordgo session for the bot token.
func NewNotifier(token string, logger *zap.Logger) (*Notifier, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errMissingToken
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return NewNotifierWithSession(session, logger), nil
}

// NewNotifierWithSession wraps an existing session.
func NewNotifierWithSession(session Session, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{session: session, logger: logger}
}

// Notify sends one delivery.
func (n *Notifier) Notify(ctx context.Context, delivery scheduler.Delivery) error {
	channelID := delivery.ChannelID
	switch delivery.Target {
	case scheduler.TargetDirectMessage:
		if delivery.AssigneeID == "" {
			return errMissingUser
		}
		channel, err := n.session.UserChannelCreate(delivery.AssigneeID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord: open dm channel: %w", err)
		}
		channelID = channel.ID
	case scheduler.TargetChannel:
		if channelID == "" {
			return errMissingChannel
		}
	default:
		return fmt.Errorf("discord: unknown delivery target %q", delivery.Target)
	}

	message := &discordgo.MessageSend{
		Content:         FormatReminder(delivery),
		AllowedMentions: allowedMentions(delivery.Mentions),
	}
	if _, err := n.session.ChannelMessageSendComplex(channelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	n.logger.Debug("reminder delivered",
		zap.String("guild_id", delivery.GuildID),
		zap.Int64("reminder_id", delivery.Reminder.ID),
		zap.String("channel_id", channelID))
	return nil
}

// FormatReminder renders the message body for a delivery.
func FormatReminder(delivery scheduler.Delivery) string {
	reminder := delivery.Reminder
	var builder strings.Builder

	if mentions := formatMentions(delivery.Mentions); mentions != "" {
		builder.WriteString(mentions)
		builder.WriteString("\n")
	}
	fmt.Fprintf(&builder, "⏰ **Reminder:** %s", reminder.Subject)
	if reminder.Category != "" {
		fmt.Fprintf(&builder, " [%s]", reminder.Category)
	}
	fmt.Fprintf(&builder, "\nDue <t:%d:F>", reminder.WhenDatetime.Unix())
	if content := strings.TrimSpace(reminder.Content); content != "" {
		builder.WriteString("\n")
		builder.WriteString(content)
	}
	if link := strings.TrimSpace(reminder.Link); link != "" {
		builder.WriteString("\n")
		builder.WriteString(link)
	}
	if image := strings.TrimSpace(reminder.Image); image != "" {
		builder.WriteString("\n")
		builder.WriteString(image)
	}
	return truncate(builder.String(), maxMessageLength)
}

func formatMentions(mentions []scheduler.Mention) string {
	parts := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		switch mention.Type {
		case reminders.AssigneeTypeRole:
			parts = append(parts, "<@&"+mention.ID+">")
		default:
			parts = append(parts, "<@"+mention.ID+">")
		}
	}
	return strings.Join(parts, " ")
}

func allowedMentions(mentions []scheduler.Mention) *discordgo.MessageAllowedMentions {
	allowed := &discordgo.MessageAllowedMentions{}
	for _, mention := range mentions {
		if mention.Type == reminders.AssigneeTypeRole {
			allowed.Roles = append(allowed.Roles, mention.ID)
			continue
		}
		allowed.Users = append(allowed.Users, mention.ID)
	}
	return allowed
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
