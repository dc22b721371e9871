package reminders

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a reminder.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

// NotificationMethod selects how assignees are told about a reminder.
type NotificationMethod string

const (
	NotificationMethodDM      NotificationMethod = "dm"
	NotificationMethodChannel NotificationMethod = "channel"
)

// AssigneeType distinguishes user and role assignments.
type AssigneeType string

const (
	AssigneeTypeUser AssigneeType = "user"
	AssigneeTypeRole AssigneeType = "role"
)

const (
	defaultCategory  = "general"
	maxSubjectLength = 255
	maxFieldLength   = 2000
)

var (
	// ErrInvalidSubject indicates an empty or oversized subject.
	ErrInvalidSubject = errors.New("reminders: invalid subject")
	// ErrInvalidWhen indicates a reminder without a due time.
	ErrInvalidWhen = errors.New("reminders: due time is required")
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("reminders: invalid status")
	// ErrInvalidMethod indicates an unknown notification method.
	ErrInvalidMethod = errors.New("reminders: invalid notification method")
	// ErrInvalidAssignee indicates an unknown assignee type or empty id.
	ErrInvalidAssignee = errors.New("reminders: invalid assignee")
	// ErrFieldTooLong indicates that an optional field exceeds storage bounds.
	ErrFieldTooLong = errors.New("reminders: field too long")
)

// Reminder is a scheduled notification stored per guild.
type Reminder struct {
	ID                 int64              `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Subject            string             `gorm:"column:subject;size:255;not null" json:"subject"`
	Category           string             `gorm:"column:category;size:100;not null;index" json:"category"`
	WhenDatetime       time.Time          `gorm:"column:when_datetime;not null;index" json:"when_datetime"`
	Content            string             `gorm:"column:content;type:text" json:"content,omitempty"`
	Link               string             `gorm:"column:link;size:2000" json:"link,omitempty"`
	Image              string             `gorm:"column:image;size:2000" json:"image,omitempty"`
	ChannelID          string             `gorm:"column:channel_id;size:64" json:"channel_id,omitempty"`
	NotificationTime   *time.Time         `gorm:"column:notification_time" json:"notification_time,omitempty"`
	Status             Status             `gorm:"column:status;size:16;not null;index" json:"status"`
	NotificationMethod NotificationMethod `gorm:"column:notification_method;size:16;not null" json:"notification_method"`
	CreatedBy          string             `gorm:"column:created_by;size:64" json:"created_by,omitempty"`
	CreatedAt          time.Time          `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Reminder) TableName() string {
	return "reminders"
}

// DueAt returns the moment the reminder should fire.
func (r Reminder) DueAt() time.Time {
	if r.NotificationTime != nil {
		return *r.NotificationTime
	}
	return r.WhenDatetime
}

// Assignment links a reminder to a user or role.
type Assignment struct {
	ID           int64        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ReminderID   int64        `gorm:"column:reminder_id;not null;uniqueIndex:idx_reminder_assignment,priority:1" json:"reminder_id"`
	AssigneeType AssigneeType `gorm:"column:assignee_type;size:8;not null;uniqueIndex:idx_reminder_assignment,priority:2" json:"assignee_type"`
	AssigneeID   string       `gorm:"column:assignee_id;size:64;not null;uniqueIndex:idx_reminder_assignment,priority:3;index" json:"assignee_id"`
	CreatedAt    time.Time    `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Assignment) TableName() string {
	return "reminder_assignments"
}

// Notification records one delivery attempt for a reminder.
type Notification struct {
	ID           int64        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeliveryID   string       `gorm:"column:delivery_id;size:64;not null;uniqueIndex" json:"delivery_id"`
	ReminderID   int64        `gorm:"column:reminder_id;not null;index" json:"reminder_id"`
	AssigneeType AssigneeType `gorm:"column:assignee_type;size:8" json:"assignee_type,omitempty"`
	AssigneeID   string       `gorm:"column:assignee_id;size:64" json:"assignee_id,omitempty"`
	SentAt       time.Time    `gorm:"column:sent_at;not null" json:"sent_at"`
	Success      bool         `gorm:"column:success;not null" json:"success"`
	Error        string       `gorm:"column:error;type:text" json:"error,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "reminder_notifications"
}

// Models lists the tables every guild database needs for reminders.
func Models() []interface{} {
	return []interface{}{&Reminder{}, &Assignment{}, &Notification{}}
}

// NewReminder describes the input for CreateReminder.
type NewReminder struct {
	Subject            string
	Category           string
	When               time.Time
	Content            string
	Link               string
	Image              string
	ChannelID          string
	NotificationTime   *time.Time
	NotificationMethod NotificationMethod
	CreatedBy          string
}

// ReminderUpdate carries the fields to change; nil pointers are left untouched.
type ReminderUpdate struct {
	Subject            *string
	Category           *string
	When               *time.Time
	Content            *string
	Link               *string
	Image              *string
	ChannelID          *string
	NotificationTime   *time.Time
	NotificationMethod *NotificationMethod
	Status             *Status
}

// Filter narrows GetReminders. Zero values match everything except deleted reminders.
type Filter struct {
	Status     Status
	Category   string
	AssigneeID string
	Limit      int
}

// NotificationRecord describes the outcome of a delivery attempt.
type NotificationRecord struct {
	ReminderID   int64
	AssigneeType AssigneeType
	AssigneeID   string
	Success      bool
	Error        string
}

// Stats aggregates reminder counts for a guild.
type Stats struct {
	Total      int64            `json:"total"`
	Active     int64            `json:"active"`
	Completed  int64            `json:"completed"`
	Deleted    int64            `json:"deleted"`
	Overdue    int64            `json:"overdue"`
	Assigned   int64            `json:"assigned"`
	ByCategory map[string]int64 `json:"by_category"`
}

// CountResult separates "guild predates reminders" from a real count.
type CountResult struct {
	Count        int64
	TableMissing bool
}

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusActive, StatusCompleted, StatusDeleted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ParseNotificationMethod validates a notification method, defaulting to DM.
func ParseNotificationMethod(raw string) (NotificationMethod, error) {
	switch method := NotificationMethod(strings.ToLower(strings.TrimSpace(raw))); method {
	case "":
		return NotificationMethodDM, nil
	case NotificationMethodDM, NotificationMethodChannel:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, raw)
	}
}

// ParseAssigneeType validates an assignee type.
func ParseAssigneeType(raw string) (AssigneeType, error) {
	switch assigneeType := AssigneeType(strings.ToLower(strings.TrimSpace(raw))); assigneeType {
	case AssigneeTypeUser, AssigneeTypeRole:
		return assigneeType, nil
	default:
		return "", fmt.Errorf("%w: type %q", ErrInvalidAssignee, raw)
	}
}

func validateNewReminder(input NewReminder) (NewReminder, error) {
	input.Subject = strings.TrimSpace(input.Subject)
	if input.Subject == "" || len(input.Subject) > maxSubjectLength {
		return NewReminder{}, ErrInvalidSubject
	}
	if input.When.IsZero() {
		return NewReminder{}, ErrInvalidWhen
	}
	input.Category = strings.ToLower(strings.TrimSpace(input.Category))
	if input.Category == "" {
		input.Category = defaultCategory
	}
	method, err := ParseNotificationMethod(string(input.NotificationMethod))
	if err != nil {
		return NewReminder{}, err
	}
	input.NotificationMethod = method
	for _, value := range []string{input.Content, input.Link, input.Image} {
		if len(value) > maxFieldLength {
			return NewReminder{}, ErrFieldTooLong
		}
	}
	input.When = input.When.UTC()
	if input.NotificationTime != nil {
		notifyAt := input.NotificationTime.UTC()
		input.NotificationTime = &notifyAt
	}
	return input, nil
}
