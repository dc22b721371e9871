package reminders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Rarsus/verabot2.0-sub006/internal/guilddb"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabases  = errors.New("reminders: database provider is required")
	errMissingIDProvider = errors.New("reminders: id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opCreateReminder     = "reminders.create"
	opGetReminder        = "reminders.get_by_id"
	opListReminders      = "reminders.list"
	opSearchReminders    = "reminders.search"
	opUpdateReminder     = "reminders.update"
	opDeleteReminder     = "reminders.delete"
	opHardDelete         = "reminders.hard_delete"
	opAddAssignment      = "reminders.add_assignment"
	opRemoveAssignment   = "reminders.remove_assignment"
	opListAssignments    = "reminders.assignments"
	opDueReminders       = "reminders.due"
	opRecordNotification = "reminders.record_notification"
	opListNotifications  = "reminders.notifications"
	opMarkCompleted      = "reminders.mark_completed"
	opReminderStats      = "reminders.stats"
	opCountReminders     = "reminders.count"
	reasonQueryFailed    = "query_failed"
)

// DatabaseProvider hands out guild-scoped connections.
type DatabaseProvider interface {
	Session(ctx context.Context, guildID string) (*gorm.DB, context.CancelFunc, error)
}

// IDProvider issues delivery identifiers for notification records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the reminder service.
type ServiceConfig struct {
	Databases  DatabaseProvider
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service stores and queries reminders per guild.
type Service struct {
	databases  DatabaseProvider
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the reminder service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Databases == nil {
		return nil, errMissingDatabases
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		databases:  cfg.Databases,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateReminder stores an active reminder and returns its id.
func (s *Service) CreateReminder(ctx context.Context, guildID string, input NewReminder) (int64, error) {
	input, err := validateNewReminder(input)
	if err != nil {
		return 0, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return 0, err
	}
	defer release()

	now := s.now()
	reminder := Reminder{
		Subject:            input.Subject,
		Category:           input.Category,
		WhenDatetime:       input.When,
		Content:            input.Content,
		Link:               input.Link,
		Image:              input.Image,
		ChannelID:          strings.TrimSpace(input.ChannelID),
		NotificationTime:   input.NotificationTime,
		Status:             StatusActive,
		NotificationMethod: input.NotificationMethod,
		CreatedBy:          strings.TrimSpace(input.CreatedBy),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := db.Create(&reminder).Error; err != nil {
		return 0, s.fail(opCreateReminder, "insert_failed", err, guildID)
	}
	return reminder.ID, nil
}

// GetReminderByID returns the reminder or nil when it does not exist.
func (s *Service) GetReminderByID(ctx context.Context, guildID string, reminderID int64) (*Reminder, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	var reminder Reminder
	err = db.Where("id = ?", reminderID).Take(&reminder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(opGetReminder, reasonQueryFailed, err, guildID, zap.Int64("reminder_id", reminderID))
	}
	return &reminder, nil
}

// GetReminders lists reminders ordered by due time.
func (s *Service) GetReminders(ctx context.Context, guildID string, filter Filter) ([]Reminder, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	query := db.Model(&Reminder{})
	if filter.Status != "" {
		query = query.Where("reminders.status = ?", filter.Status)
	} else {
		query = query.Where("reminders.status <> ?", StatusDeleted)
	}
	if category := strings.ToLower(strings.TrimSpace(filter.Category)); category != "" {
		query = query.Where("reminders.category = ?", category)
	}
	if filter.AssigneeID != "" {
		query = query.Where(
			"EXISTS (SELECT 1 FROM reminder_assignments ra WHERE ra.reminder_id = reminders.id AND ra.assignee_id = ?)",
			filter.AssigneeID,
		)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	reminders := make([]Reminder, 0)
	if err := query.Order("reminders.when_datetime ASC, reminders.id ASC").Find(&reminders).Error; err != nil {
		return nil, s.fail(opListReminders, reasonQueryFailed, err, guildID)
	}
	return reminders, nil
}

// SearchReminders matches the keyword against subject and content of non-deleted reminders.
func (s *Service) SearchReminders(ctx context.Context, guildID, keyword string) ([]Reminder, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(keyword) + "%"
	reminders := make([]Reminder, 0)
	if err := db.
		Where("status <> ?", StatusDeleted).
		Where(`(subject LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\')`, pattern, pattern).
		Order("when_datetime ASC").
		Find(&reminders).Error; err != nil {
		return nil, s.fail(opSearchReminders, reasonQueryFailed, err, guildID)
	}
	return reminders, nil
}

// UpdateReminder applies the non-nil fields. It reports false when the reminder does not exist.
func (s *Service) UpdateReminder(ctx context.Context, guildID string, reminderID int64, update ReminderUpdate) (bool, error) {
	updates, err := updateColumns(update)
	if err != nil {
		return false, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	updates["updated_at"] = s.now()
	result := db.Model(&Reminder{}).Where("id = ?", reminderID).Updates(updates)
	if result.Error != nil {
		return false, s.fail(opUpdateReminder, "update_failed", result.Error, guildID, zap.Int64("reminder_id", reminderID))
	}
	return result.RowsAffected > 0, nil
}

// DeleteReminder soft-deletes by flipping the status to deleted.
func (s *Service) DeleteReminder(ctx context.Context, guildID string, reminderID int64) (bool, error) {
	return s.setStatus(ctx, opDeleteReminder, guildID, reminderID, StatusDeleted, StatusActive, StatusCompleted)
}

// MarkCompleted flips an active reminder to completed. Deleted reminders stay deleted.
func (s *Service) MarkCompleted(ctx context.Context, guildID string, reminderID int64) (bool, error) {
	return s.setStatus(ctx, opMarkCompleted, guildID, reminderID, StatusCompleted, StatusActive)
}

// setStatus moves the reminder to status only when it currently holds one of from.
func (s *Service) setStatus(ctx context.Context, operation, guildID string, reminderID int64, status Status, from ...Status) (bool, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	result := db.Model(&Reminder{}).
		Where("id = ? AND status IN ?", reminderID, statusValues(from)).
		Updates(map[string]interface{}{"status": status, "updated_at": s.now()})
	if result.Error != nil {
		return false, s.fail(operation, "update_failed", result.Error, guildID, zap.Int64("reminder_id", reminderID))
	}
	return result.RowsAffected > 0, nil
}

// HardDeleteReminder removes the reminder row together with its assignments and notifications.
func (s *Service) HardDeleteReminder(ctx context.Context, guildID string, reminderID int64) (bool, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	deleted := false
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("reminder_id = ?", reminderID).Delete(&Notification{}).Error; err != nil {
			return err
		}
		if err := tx.Where("reminder_id = ?", reminderID).Delete(&Assignment{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", reminderID).Delete(&Reminder{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, s.fail(opHardDelete, "delete_failed", err, guildID, zap.Int64("reminder_id", reminderID))
	}
	return deleted, nil
}

// AddAssignment assigns a user or role. Duplicate assignments are ignored; false means no such reminder.
func (s *Service) AddAssignment(ctx context.Context, guildID string, reminderID int64, assigneeType AssigneeType, assigneeID string) (bool, error) {
	assigneeType, err := ParseAssigneeType(string(assigneeType))
	if err != nil {
		return false, err
	}
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return false, ErrInvalidAssignee
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	added, reason := false, reasonQueryFailed
	err = db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Reminder{}).Where("id = ?", reminderID).Count(&count).Error; err != nil || count == 0 {
			return err
		}
		assignment := Assignment{
			ReminderID:   reminderID,
			AssigneeType: assigneeType,
			AssigneeID:   assigneeID,
			CreatedAt:    s.now(),
		}
		reason = "insert_failed"
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&assignment).Error; err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, s.fail(opAddAssignment, reason, err, guildID, zap.Int64("reminder_id", reminderID))
	}
	return added, nil
}

// RemoveAssignment deletes one assignment and reports whether it existed.
func (s *Service) RemoveAssignment(ctx context.Context, guildID string, reminderID int64, assigneeType AssigneeType, assigneeID string) (bool, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	result := db.
		Where("reminder_id = ? AND assignee_type = ? AND assignee_id = ?", reminderID, assigneeType, assigneeID).
		Delete(&Assignment{})
	if result.Error != nil {
		return false, s.fail(opRemoveAssignment, "delete_failed", result.Error, guildID, zap.Int64("reminder_id", reminderID))
	}
	return result.RowsAffected > 0, nil
}

// GetAssignments lists the assignments of a reminder.
func (s *Service) GetAssignments(ctx context.Context, guildID string, reminderID int64) ([]Assignment, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	assignments := make([]Assignment, 0)
	if err := db.Where("reminder_id = ?", reminderID).Order("id ASC").Find(&assignments).Error; err != nil {
		return nil, s.fail(opListAssignments, reasonQueryFailed, err, guildID, zap.Int64("reminder_id", reminderID))
	}
	return assignments, nil
}

// GetDueReminders returns active reminders whose notification time (or due time) has passed.
func (s *Service) GetDueReminders(ctx context.Context, guildID string, now time.Time) ([]Reminder, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	reminders := make([]Reminder, 0)
	if err := db.
		Where("status = ?", StatusActive).
		Where("COALESCE(notification_time, when_datetime) <= ?", now.UTC()).
		Order("when_datetime ASC, id ASC").
		Find(&reminders).Error; err != nil {
		return nil, s.fail(opDueReminders, reasonQueryFailed, err, guildID)
	}
	return reminders, nil
}

// RecordNotification stores a delivery attempt and returns its id.
func (s *Service) RecordNotification(ctx context.Context, guildID string, record NotificationRecord) (int64, error) {
	deliveryID, err := s.idProvider.NewID()
	if err != nil {
		return 0, s.fail(opRecordNotification, "id_generation_failed", err, guildID)
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return 0, err
	}
	defer release()

	notification := Notification{
		DeliveryID:   deliveryID,
		ReminderID:   record.ReminderID,
		AssigneeType: record.AssigneeType,
		AssigneeID:   record.AssigneeID,
		SentAt:       s.now(),
		Success:      record.Success,
		Error:        record.Error,
	}
	if err := db.Create(&notification).Error; err != nil {
		return 0, s.fail(opRecordNotification, "insert_failed", err, guildID, zap.Int64("reminder_id", record.ReminderID))
	}
	return notification.ID, nil
}

// GetNotifications lists the delivery attempts of a reminder, oldest first.
func (s *Service) GetNotifications(ctx context.Context, guildID string, reminderID int64) ([]Notification, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	notifications := make([]Notification, 0)
	if err := db.Where("reminder_id = ?", reminderID).Order("id ASC").Find(&notifications).Error; err != nil {
		return nil, s.fail(opListNotifications, reasonQueryFailed, err, guildID, zap.Int64("reminder_id", reminderID))
	}
	return notifications, nil
}

type statusCounts struct {
	Total     int64 `gorm:"column:total"`
	Active    int64 `gorm:"column:active"`
	Completed int64 `gorm:"column:completed"`
	Deleted   int64 `gorm:"column:deleted"`
	Overdue   int64 `gorm:"column:overdue"`
}

type categoryCount struct {
	Category string `gorm:"column:category"`
	Count    int64  `gorm:"column:count"`
}

// GetReminderStats aggregates reminder counts in SQL.
func (s *Service) GetReminderStats(ctx context.Context, guildID string) (Stats, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return Stats{}, err
	}
	defer release()

	var counts statusCounts
	if err := db.Raw(`SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS deleted,
			COALESCE(SUM(CASE WHEN status = ? AND when_datetime < ? THEN 1 ELSE 0 END), 0) AS overdue
		FROM reminders`,
		StatusActive, StatusCompleted, StatusDeleted, StatusActive, s.now(),
	).Scan(&counts).Error; err != nil {
		return Stats{}, s.fail(opReminderStats, reasonQueryFailed, err, guildID)
	}

	var assigned int64
	if err := db.Raw(`SELECT COUNT(DISTINCT ra.reminder_id) FROM reminder_assignments ra
		JOIN reminders r ON r.id = ra.reminder_id WHERE r.status = ?`, StatusActive).
		Scan(&assigned).Error; err != nil {
		return Stats{}, s.fail(opReminderStats, reasonQueryFailed, err, guildID)
	}

	var categories []categoryCount
	if err := db.Model(&Reminder{}).
		Select("category, COUNT(*) AS count").
		Where("status <> ?", StatusDeleted).
		Group("category").
		Scan(&categories).Error; err != nil {
		return Stats{}, s.fail(opReminderStats, reasonQueryFailed, err, guildID)
	}

	stats := Stats{
		Total:      counts.Total,
		Active:     counts.Active,
		Completed:  counts.Completed,
		Deleted:    counts.Deleted,
		Overdue:    counts.Overdue,
		Assigned:   assigned,
		ByCategory: make(map[string]int64, len(categories)),
	}
	for _, category := range categories {
		stats.ByCategory[category.Category] = category.Count
	}
	return stats, nil
}

// CountReminders counts non-deleted reminders. Guilds whose database predates the
// reminders table report TableMissing instead of an error.
func (s *Service) CountReminders(ctx context.Context, guildID string) (CountResult, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return CountResult{}, err
	}
	defer release()

	var count int64
	err = db.Model(&Reminder{}).Where("status <> ?", StatusDeleted).Count(&count).Error
	if guilddb.IsMissingTable(err) {
		return CountResult{TableMissing: true}, nil
	}
	if err != nil {
		return CountResult{}, s.fail(opCountReminders, reasonQueryFailed, err, guildID)
	}
	return CountResult{Count: count}, nil
}

func updateColumns(update ReminderUpdate) (map[string]interface{}, error) {
	updates := map[string]interface{}{}
	if update.Subject != nil {
		subject := strings.TrimSpace(*update.Subject)
		if subject == "" || len(subject) > maxSubjectLength {
			return nil, ErrInvalidSubject
		}
		updates["subject"] = subject
	}
	if update.Category != nil {
		category := strings.ToLower(strings.TrimSpace(*update.Category))
		if category == "" {
			category = defaultCategory
		}
		updates["category"] = category
	}
	if update.When != nil {
		if update.When.IsZero() {
			return nil, ErrInvalidWhen
		}
		updates["when_datetime"] = update.When.UTC()
	}
	for column, value := range map[string]*string{"content": update.Content, "link": update.Link, "image": update.Image} {
		if value == nil {
			continue
		}
		if len(*value) > maxFieldLength {
			return nil, ErrFieldTooLong
		}
		updates[column] = *value
	}
	if update.ChannelID != nil {
		updates["channel_id"] = strings.TrimSpace(*update.ChannelID)
	}
	if update.NotificationTime != nil {
		updates["notification_time"] = update.NotificationTime.UTC()
	}
	if update.NotificationMethod != nil {
		method, err := ParseNotificationMethod(string(*update.NotificationMethod))
		if err != nil {
			return nil, err
		}
		updates["notification_method"] = method
	}
	if update.Status != nil {
		status, err := ParseStatus(string(*update.Status))
		if err != nil {
			return nil, err
		}
		updates["status"] = status
	}
	return updates, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) fail(operation, reason string, err error, guildID string, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("guild_id", guildID),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("reminders service error", attrs...)
	return guilddb.NewQueryError(operation, reason, err)
}

func statusValues(statuses []Status) []string {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	return values
}
