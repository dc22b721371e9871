package reminders

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/Rarsus/verabot2.0-sub006/internal/guilddb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var baseTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return "delivery-" + strconv.Itoa(p.next), nil
}

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

func newTestService(t *testing.T, models []interface{}) (*Service, *guilddb.Manager, *fixedClock) {
	t.Helper()
	manager, err := guilddb.NewManager(guilddb.ManagerConfig{
		DataRoot: t.TempDir(),
		Models:   models,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.CloseAll()
	})
	clock := &fixedClock{current: baseTime}
	service, err := NewService(ServiceConfig{
		Databases:  manager,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, manager, clock
}

func mustCreate(t *testing.T, service *Service, guildID string, input NewReminder) int64 {
	t.Helper()
	id, err := service.CreateReminder(context.Background(), guildID, input)
	if err != nil {
		t.Fatalf("create reminder failed: %v", err)
	}
	return id
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); err == nil {
		t.Fatalf("expected an error without a database provider")
	}
	manager, err := guilddb.NewManager(guilddb.ManagerConfig{DataRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	if _, err := NewService(ServiceConfig{Databases: manager}); err == nil {
		t.Fatalf("expected an error without an id provider")
	}
}

func TestCreateReminderAppliesDefaults(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	id := mustCreate(t, service, "guild-1", NewReminder{
		Subject: "  Standup  ",
		When:    baseTime.Add(time.Hour),
	})

	reminder, err := service.GetReminderByID(ctx, "guild-1", id)
	if err != nil {
		t.Fatalf("get reminder failed: %v", err)
	}
	if reminder == nil {
		t.Fatalf("expected reminder %d to exist", id)
	}
	if reminder.Subject != "Standup" {
		t.Fatalf("expected trimmed subject, got %q", reminder.Subject)
	}
	if reminder.Category != defaultCategory {
		t.Fatalf("expected default category, got %q", reminder.Category)
	}
	if reminder.Status != StatusActive {
		t.Fatalf("expected active status, got %q", reminder.Status)
	}
	if reminder.NotificationMethod != NotificationMethodDM {
		t.Fatalf("expected dm notification method, got %q", reminder.NotificationMethod)
	}
	if !reminder.WhenDatetime.Equal(baseTime.Add(time.Hour)) {
		t.Fatalf("unexpected due time %s", reminder.WhenDatetime)
	}
}

func TestCreateReminderValidatesInput(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	testCases := []struct {
		name  string
		input NewReminder
		want  error
	}{
		{name: "empty subject", input: NewReminder{Subject: " ", When: baseTime}, want: ErrInvalidSubject},
		{name: "missing when", input: NewReminder{Subject: "x"}, want: ErrInvalidWhen},
		{name: "unknown method", input: NewReminder{Subject: "x", When: baseTime, NotificationMethod: "pigeon"}, want: ErrInvalidMethod},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.CreateReminder(ctx, "guild-1", testCase.input)
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestHardDeleteReminderRemovesAssignments(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	id := mustCreate(t, service, "guild-2", NewReminder{Subject: "Team sync", When: baseTime.Add(time.Hour)})
	added, err := service.AddAssignment(ctx, "guild-2", id, AssigneeTypeUser, "42")
	if err != nil || !added {
		t.Fatalf("add assignment failed: added=%v err=%v", added, err)
	}
	if _, err := service.RecordNotification(ctx, "guild-2", NotificationRecord{ReminderID: id, AssigneeType: AssigneeTypeUser, AssigneeID: "42", Success: true}); err != nil {
		t.Fatalf("record notification failed: %v", err)
	}

	deleted, err := service.HardDeleteReminder(ctx, "guild-2", id)
	if err != nil {
		t.Fatalf("hard delete failed: %v", err)
	}
	if !deleted {
		t.Fatalf("expected hard delete to report a removed row")
	}

	assignments, err := service.GetAssignments(ctx, "guild-2", id)
	if err != nil {
		t.Fatalf("get assignments failed: %v", err)
	}
	if len(assignments) != 0 {
		t.Fatalf("expected no assignments after hard delete, got %d", len(assignments))
	}
	notifications, err := service.GetNotifications(ctx, "guild-2", id)
	if err != nil {
		t.Fatalf("get notifications failed: %v", err)
	}
	if len(notifications) != 0 {
		t.Fatalf("expected no notifications after hard delete, got %d", len(notifications))
	}

	again, err := service.HardDeleteReminder(ctx, "guild-2", id)
	if err != nil {
		t.Fatalf("second hard delete failed: %v", err)
	}
	if again {
		t.Fatalf("expected second hard delete to report nothing removed")
	}
}

func TestSoftDeleteHidesReminderFromDefaultListing(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	keep := mustCreate(t, service, "guild-1", NewReminder{Subject: "Keep", When: baseTime.Add(time.Hour)})
	drop := mustCreate(t, service, "guild-1", NewReminder{Subject: "Drop", When: baseTime.Add(2 * time.Hour)})

	deleted, err := service.DeleteReminder(ctx, "guild-1", drop)
	if err != nil || !deleted {
		t.Fatalf("soft delete failed: deleted=%v err=%v", deleted, err)
	}

	listed, err := service.GetReminders(ctx, "guild-1", Filter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != keep {
		t.Fatalf("expected only reminder %d, got %+v", keep, listed)
	}

	onlyDeleted, err := service.GetReminders(ctx, "guild-1", Filter{Status: StatusDeleted})
	if err != nil {
		t.Fatalf("list deleted failed: %v", err)
	}
	if len(onlyDeleted) != 1 || onlyDeleted[0].ID != drop {
		t.Fatalf("expected deleted reminder %d, got %+v", drop, onlyDeleted)
	}

	stillThere, err := service.GetReminderByID(ctx, "guild-1", drop)
	if err != nil || stillThere == nil {
		t.Fatalf("expected soft-deleted reminder to remain readable: %v", err)
	}
}

func TestMarkCompletedLeavesDeletedRemindersDeleted(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	id := mustCreate(t, service, "guild-1", NewReminder{Subject: "Cancelled", When: baseTime})
	if deleted, err := service.DeleteReminder(ctx, "guild-1", id); err != nil || !deleted {
		t.Fatalf("soft delete failed: deleted=%v err=%v", deleted, err)
	}

	completed, err := service.MarkCompleted(ctx, "guild-1", id)
	if err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	if completed {
		t.Fatalf("expected a deleted reminder not to be completed")
	}
	reminder, err := service.GetReminderByID(ctx, "guild-1", id)
	if err != nil || reminder == nil {
		t.Fatalf("get reminder failed: %v", err)
	}
	if reminder.Status != StatusDeleted {
		t.Fatalf("expected status %q, got %q", StatusDeleted, reminder.Status)
	}

	active := mustCreate(t, service, "guild-1", NewReminder{Subject: "Due", When: baseTime})
	if completed, err := service.MarkCompleted(ctx, "guild-1", active); err != nil || !completed {
		t.Fatalf("expected active reminder to complete: completed=%v err=%v", completed, err)
	}
	if again, err := service.MarkCompleted(ctx, "guild-1", active); err != nil || again {
		t.Fatalf("expected second completion to report false: completed=%v err=%v", again, err)
	}
	if deleted, err := service.DeleteReminder(ctx, "guild-1", active); err != nil || !deleted {
		t.Fatalf("expected completed reminder to be deletable: deleted=%v err=%v", deleted, err)
	}
}

func TestGetRemindersFiltersByAssignee(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	first := mustCreate(t, service, "guild-1", NewReminder{Subject: "First", When: baseTime.Add(time.Hour)})
	mustCreate(t, service, "guild-1", NewReminder{Subject: "Second", When: baseTime.Add(2 * time.Hour)})
	if _, err := service.AddAssignment(ctx, "guild-1", first, AssigneeTypeUser, "7"); err != nil {
		t.Fatalf("add assignment failed: %v", err)
	}
	// Duplicate assignments are ignored.
	if _, err := service.AddAssignment(ctx, "guild-1", first, AssigneeTypeUser, "7"); err != nil {
		t.Fatalf("duplicate assignment failed: %v", err)
	}

	assigned, err := service.GetReminders(ctx, "guild-1", Filter{AssigneeID: "7"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(assigned) != 1 || assigned[0].ID != first {
		t.Fatalf("expected reminder %d for assignee, got %+v", first, assigned)
	}

	assignments, err := service.GetAssignments(ctx, "guild-1", first)
	if err != nil {
		t.Fatalf("get assignments failed: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("expected one assignment, got %d", len(assignments))
	}

	removed, err := service.RemoveAssignment(ctx, "guild-1", first, AssigneeTypeUser, "7")
	if err != nil || !removed {
		t.Fatalf("remove assignment failed: removed=%v err=%v", removed, err)
	}
}

func TestAddAssignmentToUnknownReminder(t *testing.T) {
	service, _, _ := newTestService(t, Models())

	added, err := service.AddAssignment(context.Background(), "guild-1", 999, AssigneeTypeRole, "mods")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added {
		t.Fatalf("expected no assignment for a missing reminder")
	}

	if _, err := service.AddAssignment(context.Background(), "guild-1", 1, "team", "x"); !errors.Is(err, ErrInvalidAssignee) {
		t.Fatalf("expected ErrInvalidAssignee, got %v", err)
	}
}

func TestAddAssignmentAfterHardDeleteLeavesNoOrphan(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	id := mustCreate(t, service, "guild-1", NewReminder{Subject: "Removed", When: baseTime})
	if deleted, err := service.HardDeleteReminder(ctx, "guild-1", id); err != nil || !deleted {
		t.Fatalf("hard delete failed: deleted=%v err=%v", deleted, err)
	}

	added, err := service.AddAssignment(ctx, "guild-1", id, AssigneeTypeUser, "42")
	if err != nil || added {
		t.Fatalf("expected no assignment for a removed reminder: added=%v err=%v", added, err)
	}
	assignments, err := service.GetAssignments(ctx, "guild-1", id)
	if err != nil {
		t.Fatalf("get assignments failed: %v", err)
	}
	if len(assignments) != 0 {
		t.Fatalf("expected no orphaned assignments, got %d", len(assignments))
	}
}

func TestUpdateReminder(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	id := mustCreate(t, service, "guild-1", NewReminder{Subject: "Old", When: baseTime.Add(time.Hour)})
	subject := "New"
	category := "Work"
	updated, err := service.UpdateReminder(ctx, "guild-1", id, ReminderUpdate{Subject: &subject, Category: &category})
	if err != nil || !updated {
		t.Fatalf("update failed: updated=%v err=%v", updated, err)
	}
	reminder, err := service.GetReminderByID(ctx, "guild-1", id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if reminder.Subject != "New" || reminder.Category != "work" {
		t.Fatalf("unexpected reminder after update: %+v", reminder)
	}

	missing, err := service.UpdateReminder(ctx, "guild-1", id+100, ReminderUpdate{Subject: &subject})
	if err != nil {
		t.Fatalf("update of missing reminder failed: %v", err)
	}
	if missing {
		t.Fatalf("expected false for a missing reminder")
	}

	blank := " "
	if _, err := service.UpdateReminder(ctx, "guild-1", id, ReminderUpdate{Subject: &blank}); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestGetDueRemindersUsesNotificationTime(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	early := baseTime.Add(-time.Minute)
	overdue := mustCreate(t, service, "guild-1", NewReminder{Subject: "Overdue", When: baseTime.Add(-time.Hour)})
	notifyEarly := mustCreate(t, service, "guild-1", NewReminder{Subject: "Heads up", When: baseTime.Add(time.Hour), NotificationTime: &early})
	mustCreate(t, service, "guild-1", NewReminder{Subject: "Later", When: baseTime.Add(time.Hour)})
	completed := mustCreate(t, service, "guild-1", NewReminder{Subject: "Done", When: baseTime.Add(-2 * time.Hour)})
	if _, err := service.MarkCompleted(ctx, "guild-1", completed); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}

	due, err := service.GetDueReminders(ctx, "guild-1", baseTime)
	if err != nil {
		t.Fatalf("get due failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected two due reminders, got %+v", due)
	}
	if due[0].ID != overdue || due[1].ID != notifyEarly {
		t.Fatalf("unexpected due order: %d, %d", due[0].ID, due[1].ID)
	}
}

func TestGetReminderStats(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	overdue := mustCreate(t, service, "guild-1", NewReminder{Subject: "Overdue", Category: "work", When: baseTime.Add(-time.Hour)})
	mustCreate(t, service, "guild-1", NewReminder{Subject: "Upcoming", Category: "work", When: baseTime.Add(time.Hour)})
	done := mustCreate(t, service, "guild-1", NewReminder{Subject: "Done", When: baseTime.Add(time.Hour)})
	gone := mustCreate(t, service, "guild-1", NewReminder{Subject: "Gone", When: baseTime.Add(time.Hour)})
	if _, err := service.MarkCompleted(ctx, "guild-1", done); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	if _, err := service.DeleteReminder(ctx, "guild-1", gone); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.AddAssignment(ctx, "guild-1", overdue, AssigneeTypeRole, "ops"); err != nil {
		t.Fatalf("add assignment failed: %v", err)
	}

	stats, err := service.GetReminderStats(ctx, "guild-1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 4 || stats.Active != 2 || stats.Completed != 1 || stats.Deleted != 1 {
		t.Fatalf("unexpected status counts: %+v", stats)
	}
	if stats.Overdue != 1 {
		t.Fatalf("expected one overdue reminder, got %d", stats.Overdue)
	}
	if stats.Assigned != 1 {
		t.Fatalf("expected one assigned reminder, got %d", stats.Assigned)
	}
	if stats.ByCategory["work"] != 2 || stats.ByCategory[defaultCategory] != 1 {
		t.Fatalf("unexpected category counts: %+v", stats.ByCategory)
	}
}

func TestGetReminderStatsOnEmptyGuild(t *testing.T) {
	service, _, _ := newTestService(t, Models())

	stats, err := service.GetReminderStats(context.Background(), "guild-empty")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 0 || stats.Active != 0 || len(stats.ByCategory) != 0 {
		t.Fatalf("expected zeroed stats, got %+v", stats)
	}
}

func TestCountRemindersReportsMissingTable(t *testing.T) {
	service, _, _ := newTestService(t, nil)

	result, err := service.CountReminders(context.Background(), "guild-legacy")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if !result.TableMissing {
		t.Fatalf("expected the missing table to be reported, got %+v", result)
	}
}

func TestCountRemindersReportsDroppedTable(t *testing.T) {
	service, manager, _ := newTestService(t, Models())
	ctx := context.Background()

	mustCreate(t, service, "guild-1", NewReminder{Subject: "Before drop", When: baseTime})
	handle, err := manager.Database(ctx, "guild-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := handle.DB().Exec("DROP TABLE reminders").Error; err != nil {
		t.Fatalf("drop table failed: %v", err)
	}

	result, err := service.CountReminders(ctx, "guild-1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if !result.TableMissing || result.Count != 0 {
		t.Fatalf("expected the dropped table to be reported, got %+v", result)
	}
}

func TestCountReminders(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	mustCreate(t, service, "guild-1", NewReminder{Subject: "One", When: baseTime})
	mustCreate(t, service, "guild-1", NewReminder{Subject: "Two", When: baseTime})
	mustCreate(t, service, "guild-2", NewReminder{Subject: "Elsewhere", When: baseTime})

	result, err := service.CountReminders(ctx, "guild-1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if result.TableMissing || result.Count != 2 {
		t.Fatalf("expected two reminders in guild-1, got %+v", result)
	}
}

func TestSearchReminders(t *testing.T) {
	service, _, _ := newTestService(t, Models())
	ctx := context.Background()

	mustCreate(t, service, "guild-1", NewReminder{Subject: "Deploy 100%", When: baseTime})
	mustCreate(t, service, "guild-1", NewReminder{Subject: "Lunch", Content: "deploy snacks", When: baseTime})
	mustCreate(t, service, "guild-1", NewReminder{Subject: "Deploy 1000", When: baseTime})

	matches, err := service.SearchReminders(ctx, "guild-1", "100%")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Subject != "Deploy 100%" {
		t.Fatalf("expected the literal percent match only, got %+v", matches)
	}

	contentMatches, err := service.SearchReminders(ctx, "guild-1", "snacks")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(contentMatches) != 1 {
		t.Fatalf("expected one content match, got %d", len(contentMatches))
	}
}

func TestRecordNotificationFailsWhenIDProviderFails(t *testing.T) {
	manager, err := guilddb.NewManager(guilddb.ManagerConfig{DataRoot: t.TempDir(), Models: Models()})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.CloseAll()
	})
	core, logs := observer.New(zapcore.ErrorLevel)
	service, err := NewService(ServiceConfig{
		Databases:  manager,
		IDProvider: failingIDProvider{},
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	_, err = service.RecordNotification(context.Background(), "guild-1", NotificationRecord{ReminderID: 1})
	var queryErr *guilddb.QueryError
	if !errors.As(err, &queryErr) {
		t.Fatalf("expected a QueryError, got %v", err)
	}
	if queryErr.Code() != "reminders.record_notification.id_generation_failed" {
		t.Fatalf("unexpected error code %q", queryErr.Code())
	}
	if logs.FilterMessage("reminders service error").Len() != 1 {
		t.Fatalf("expected the failure to be logged once")
	}
}

func TestQueryFailuresAreWrapped(t *testing.T) {
	service, _, _ := newTestService(t, nil)

	_, err := service.GetReminders(context.Background(), "guild-1", Filter{})
	var queryErr *guilddb.QueryError
	if !errors.As(err, &queryErr) {
		t.Fatalf("expected a QueryError, got %v", err)
	}
	if !guilddb.IsMissingTable(err) {
		t.Fatalf("expected the cause to be preserved, got %v", err)
	}

	_, err = service.AddAssignment(context.Background(), "guild-1", 1, AssigneeTypeUser, "42")
	if !errors.As(err, &queryErr) {
		t.Fatalf("expected a QueryError from add assignment, got %v", err)
	}
	if queryErr.Code() != opAddAssignment+"."+reasonQueryFailed {
		t.Fatalf("unexpected error code %q", queryErr.Code())
	}
}
