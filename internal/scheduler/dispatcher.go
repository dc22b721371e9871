package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rarsus/verabot2.0-sub006/internal/reminders"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	errMissingGuilds      = errors.New("scheduler: guild lister is required")
	errMissingReminders   = errors.New("scheduler: reminder store is required")
	errMissingPreferences = errors.New("scheduler: preference store is required")
	errMissingNotifier    = errors.New("scheduler: notifier is required")
	errAlreadyStarted     = errors.New("scheduler: dispatcher already started")
)

// ErrNotOptedIn marks a direct message skipped because the user did not opt in.
var ErrNotOptedIn = errors.New("scheduler: user has not opted in to direct messages")

// GuildLister enumerates guilds with a database on disk.
type GuildLister interface {
	KnownGuilds() ([]string, error)
}

// ReminderStore is the subset of the reminder service used for delivery.
type ReminderStore interface {
	GetDueReminders(ctx context.Context, guildID string, now time.Time) ([]reminders.Reminder, error)
	GetAssignments(ctx context.Context, guildID string, reminderID int64) ([]reminders.Assignment, error)
	RecordNotification(ctx context.Context, guildID string, record reminders.NotificationRecord) (int64, error)
	MarkCompleted(ctx context.Context, guildID string, reminderID int64) (bool, error)
}

// PreferenceStore answers whether a user accepts direct messages.
type PreferenceStore interface {
	IsOptedIn(ctx context.Context, guildID, userID string) (bool, error)
}

// Config describes the dependencies of a Dispatcher.
type Config struct {
	Guilds      GuildLister
	Reminders   ReminderStore
	Preferences PreferenceStore
	Notifier    Notifier
	Schedule    string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// SweepResult summarises one pass over every guild.
type SweepResult struct {
	Guilds    int
	Due       int
	Delivered int
	Failed    int
	Skipped   int
	Errors    int
}

// Dispatcher periodically delivers due reminders across all guilds.
type Dispatcher struct {
	guilds      GuildLister
	reminders   ReminderStore
	preferences PreferenceStore
	notifier    Notifier
	schedule    string
	clock       func() time.Time
	logger      *zap.Logger

	sweeping sync.Mutex
	mu       sync.Mutex
	cron     *cron.Cron
}

// NewDispatcher validates the configuration and builds a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Guilds == nil:
		return nil, errMissingGuilds
	case cfg.Reminders == nil:
		return nil, errMissingReminders
	case cfg.Preferences == nil:
		return nil, errMissingPreferences
	case cfg.Notifier == nil:
		return nil, errMissingNotifier
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		guilds:      cfg.Guilds,
		reminders:   cfg.Reminders,
		preferences: cfg.Preferences,
		notifier:    cfg.Notifier,
		schedule:    schedule,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Start registers the sweep with cron and begins ticking. Sweeps run until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return errAlreadyStarted
	}
	scheduler := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := scheduler.AddFunc(d.schedule, func() {
		d.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", d.schedule, err)
	}
	scheduler.Start()
	d.cron = scheduler
	d.logger.Info("reminder dispatcher started", zap.String("schedule", d.schedule))
	return nil
}

// Stop halts the cron ticker and waits for a running sweep to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	scheduler := d.cron
	d.cron = nil
	d.mu.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
	d.logger.Info("reminder dispatcher stopped")
}

// Sweep delivers every due reminder once. Overlapping sweeps are skipped.
// A failing guild is logged and does not stop the others.
func (d *Dispatcher) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	if !d.sweeping.TryLock() {
		d.logger.Debug("reminder sweep already running")
		return result
	}
	defer d.sweeping.Unlock()

	guildIDs, err := d.guilds.KnownGuilds()
	if err != nil {
		d.logger.Error("reminder sweep could not list guilds", zap.Error(err))
		result.Errors++
		return result
	}
	now := d.clock().UTC()
	for _, guildID := range guildIDs {
		if ctx.Err() != nil {
			break
		}
		result.Guilds++
		d.sweepGuild(ctx, guildID, now, &result)
	}
	if result.Due > 0 || result.Errors > 0 {
		d.logger.Info("reminder sweep finished",
			zap.Int("guilds", result.Guilds),
			zap.Int("due", result.Due),
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
			zap.Int("errors", result.Errors))
	}
	return result
}

func (d *Dispatcher) sweepGuild(ctx context.Context, guildID string, now time.Time, result *SweepResult) {
	due, err := d.reminders.GetDueReminders(ctx, guildID, now)
	if err != nil {
		d.logger.Warn("reminder sweep skipped guild", zap.String("guild_id", guildID), zap.Error(err))
		result.Errors++
		return
	}
	for _, reminder := range due {
		result.Due++
		if err := d.deliverReminder(ctx, guildID, reminder, result); err != nil {
			d.logger.Warn("reminder delivery aborted",
				zap.String("guild_id", guildID),
				zap.Int64("reminder_id", reminder.ID),
				zap.Error(err))
			result.Errors++
		}
	}
}

func (d *Dispatcher) deliverReminder(ctx context.Context, guildID string, reminder reminders.Reminder, result *SweepResult) error {
	assignments, err := d.reminders.GetAssignments(ctx, guildID, reminder.ID)
	if err != nil {
		return err
	}
	for _, delivery := range planDeliveries(guildID, reminder, assignments) {
		d.attempt(ctx, delivery, result)
	}
	if _, err := d.reminders.MarkCompleted(ctx, guildID, reminder.ID); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, delivery Delivery, result *SweepResult) {
	err := d.checkOptIn(ctx, delivery)
	if err == nil {
		err = d.notifier.Notify(ctx, delivery)
	}

	record := reminders.NotificationRecord{
		ReminderID:   delivery.Reminder.ID,
		AssigneeType: delivery.AssigneeType,
		AssigneeID:   delivery.AssigneeID,
		Success:      err == nil,
	}
	switch {
	case err == nil:
		result.Delivered++
	case errors.Is(err, ErrNotOptedIn):
		result.Skipped++
		record.Error = err.Error()
	default:
		result.Failed++
		record.Error = err.Error()
		d.logger.Warn("reminder notification failed",
			zap.String("guild_id", delivery.GuildID),
			zap.Int64("reminder_id", delivery.Reminder.ID),
			zap.String("assignee_id", delivery.AssigneeID),
			zap.Error(err))
	}
	if _, recordErr := d.reminders.RecordNotification(ctx, delivery.GuildID, record); recordErr != nil {
		d.logger.Warn("reminder notification not recorded",
			zap.String("guild_id", delivery.GuildID),
			zap.Int64("reminder_id", delivery.Reminder.ID),
			zap.Error(recordErr))
	}
}

func (d *Dispatcher) checkOptIn(ctx context.Context, delivery Delivery) error {
	if delivery.Target != TargetDirectMessage {
		return nil
	}
	optedIn, err := d.preferences.IsOptedIn(ctx, delivery.GuildID, delivery.AssigneeID)
	if err != nil {
		return err
	}
	if !optedIn {
		return ErrNotOptedIn
	}
	return nil
}
