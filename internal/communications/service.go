package communications

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Rarsus/verabot2.0-sub006/internal/guilddb"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabases = errors.New("communications: database provider is required")
	noOpLogger          = zap.NewNop()
)

const (
	opOptIn           = "communications.opt_in"
	opOptOut          = "communications.opt_out"
	opIsOptedIn       = "communications.is_opted_in"
	opGetPreference   = "communications.get_preference"
	opSetPreferences  = "communications.set_preferences"
	opListOptedIn     = "communications.list_opted_in"
	reasonQueryFailed = "query_failed"
	reasonUpsert      = "upsert_failed"
)

// DatabaseProvider hands out guild-scoped connections.
type DatabaseProvider interface {
	Session(ctx context.Context, guildID string) (*gorm.DB, context.CancelFunc, error)
}

// ServiceConfig describes the dependencies of the communication preference service.
type ServiceConfig struct {
	Databases DatabaseProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service records per-guild opt-in state and preferences for direct messages.
type Service struct {
	databases DatabaseProvider
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the communication preference service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Databases == nil {
		return nil, errMissingDatabases
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{databases: cfg.Databases, clock: clock, logger: logger}, nil
}

// OptIn marks the user as accepting direct messages.
func (s *Service) OptIn(ctx context.Context, guildID, userID string) error {
	return s.setOptedIn(ctx, opOptIn, guildID, userID, true)
}

// OptOut marks the user as refusing direct messages.
func (s *Service) OptOut(ctx context.Context, guildID, userID string) error {
	return s.setOptedIn(ctx, opOptOut, guildID, userID, false)
}

// setOptedIn issues a single INSERT ... ON CONFLICT(userId) DO UPDATE so the
// original createdAt survives repeated toggles.
func (s *Service) setOptedIn(ctx context.Context, operation, guildID, userID string, optedIn bool) error {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return err
	}
	defer release()

	now := s.now()
	row := record{
		UserID:    userID,
		OptedIn:   sql.NullBool{Bool: optedIn, Valid: true},
		CreatedAt: sql.NullTime{Time: now, Valid: true},
		UpdatedAt: sql.NullTime{Time: now, Valid: true},
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "userId"}},
		DoUpdates: clause.AssignmentColumns([]string{"opted_in", "updatedAt"}),
	}).Create(&row).Error; err != nil {
		return s.fail(operation, reasonUpsert, err, guildID, zap.String("user_id", userID))
	}
	return nil
}

// IsOptedIn reports whether the user accepted direct messages. Unknown users are opted out.
func (s *Service) IsOptedIn(ctx context.Context, guildID, userID string) (bool, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return false, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	var count int64
	if err := db.Model(&record{}).
		Where("userId = ? AND opted_in = ?", userID, true).
		Count(&count).Error; err != nil {
		return false, s.fail(opIsOptedIn, reasonQueryFailed, err, guildID, zap.String("user_id", userID))
	}
	return count > 0, nil
}

// GetPreference returns the stored state of the user or nil when none exists.
func (s *Service) GetPreference(ctx context.Context, guildID, userID string) (*Preference, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	var row record
	err = db.Where("userId = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(opGetPreference, reasonQueryFailed, err, guildID, zap.String("user_id", userID))
	}
	preference, err := row.toPreference()
	if err != nil {
		return nil, s.fail(opGetPreference, "decode_failed", err, guildID, zap.String("user_id", userID))
	}
	return &preference, nil
}

// SetPreferences replaces the preference blob of the user. New users start opted out.
func (s *Service) SetPreferences(ctx context.Context, guildID, userID string, preferences map[string]string) error {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	payload, err := encodePreferences(preferences)
	if err != nil {
		return err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return err
	}
	defer release()

	now := s.now()
	row := record{
		UserID:      userID,
		OptedIn:     sql.NullBool{Bool: false, Valid: true},
		Preferences: sql.NullString{String: payload, Valid: true},
		CreatedAt:   sql.NullTime{Time: now, Valid: true},
		UpdatedAt:   sql.NullTime{Time: now, Valid: true},
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "userId"}},
		DoUpdates: clause.AssignmentColumns([]string{"preferences", "updatedAt"}),
	}).Create(&row).Error; err != nil {
		return s.fail(opSetPreferences, reasonUpsert, err, guildID, zap.String("user_id", userID))
	}
	return nil
}

// ListOptedIn returns the ids of every opted-in user, sorted.
func (s *Service) ListOptedIn(ctx context.Context, guildID string) ([]string, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	userIDs := make([]string, 0)
	if err := db.Model(&record{}).
		Where("opted_in = ?", true).
		Order("userId ASC").
		Pluck("userId", &userIDs).Error; err != nil {
		return nil, s.fail(opListOptedIn, reasonQueryFailed, err, guildID)
	}
	return userIDs, nil
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
	s.logger.Error("communications service error", attrs...)
	return guilddb.NewQueryError(operation, reason, err)
}
