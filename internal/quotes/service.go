package quotes

import (
	"context"
	"errors"
	"time"

	"github.com/Rarsus/verabot2.0-sub006/internal/guilddb"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabases = errors.New("quotes: database provider is required")
	noOpLogger          = zap.NewNop()
)

const (
	opAddQuote        = "quotes.add"
	opGetAllQuotes    = "quotes.get_all"
	opGetQuoteByID    = "quotes.get_by_id"
	opSearchQuotes    = "quotes.search"
	opQuotesByAuthor  = "quotes.by_author"
	opRandomQuote     = "quotes.random"
	opQuoteCount      = "quotes.count"
	opUpdateQuote     = "quotes.update"
	opDeleteQuote     = "quotes.delete"
	opRateQuote       = "quotes.rate"
	opQuoteRating     = "quotes.rating"
	opTagQuote        = "quotes.tag"
	opQuoteTags       = "quotes.tags"
	opQuotesByTag     = "quotes.by_tag"
	opExportQuotes    = "quotes.export"
	reasonQueryFailed = "query_failed"
)

// DatabaseProvider hands out guild-scoped connections.
type DatabaseProvider interface {
	Session(ctx context.Context, guildID string) (*gorm.DB, context.CancelFunc, error)
}

// ServiceConfig describes the dependencies of the quote service.
type ServiceConfig struct {
	Databases DatabaseProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service stores and queries quotes per guild.
type Service struct {
	databases DatabaseProvider
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the quote service.
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

// AddQuote stores a quote and returns its guild-local id.
func (s *Service) AddQuote(ctx context.Context, guildID, text, author string) (int64, error) {
	text, err := normalizeText(text)
	if err != nil {
		return 0, err
	}
	author, err = normalizeAuthor(author)
	if err != nil {
		return 0, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return 0, err
	}
	defer release()

	now := s.now()
	quote := Quote{Text: text, Author: author, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&quote).Error; err != nil {
		return 0, s.fail(opAddQuote, "insert_failed", err, guildID)
	}
	return quote.ID, nil
}

// GetAllQuotes returns every quote of the guild ordered by id.
func (s *Service) GetAllQuotes(ctx context.Context, guildID string) ([]Quote, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	quotes := make([]Quote, 0)
	if err := db.Order("id ASC").Find(&quotes).Error; err != nil {
		return nil, s.fail(opGetAllQuotes, reasonQueryFailed, err, guildID)
	}
	return quotes, nil
}

// GetQuoteByID returns the quote or nil when it does not exist.
func (s *Service) GetQuoteByID(ctx context.Context, guildID string, quoteID int64) (*Quote, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	var quote Quote
	err = db.Where("id = ?", quoteID).Take(&quote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(opGetQuoteByID, reasonQueryFailed, err, guildID, zap.Int64("quote_id", quoteID))
	}
	return &quote, nil
}

// SearchQuotes matches the keyword against quote text and author.
func (s *Service) SearchQuotes(ctx context.Context, guildID, keyword string) ([]Quote, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	pattern := escapeLike(keyword)
	quotes := make([]Quote, 0)
	if err := db.
		Where(`text LIKE ? ESCAPE '\' OR author LIKE ? ESCAPE '\'`, pattern, pattern).
		Order("id ASC").
		Find(&quotes).Error; err != nil {
		return nil, s.fail(opSearchQuotes, reasonQueryFailed, err, guildID)
	}
	return quotes, nil
}

// GetQuotesByAuthor returns quotes whose author matches case-insensitively.
func (s *Service) GetQuotesByAuthor(ctx context.Context, guildID, author string) ([]Quote, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	quotes := make([]Quote, 0)
	if err := db.Where("author = ? COLLATE NOCASE", author).Order("id ASC").Find(&quotes).Error; err != nil {
		return nil, s.fail(opQuotesByAuthor, reasonQueryFailed, err, guildID)
	}
	return quotes, nil
}

// GetRandomQuote returns one random quote or nil for an empty guild.
func (s *Service) GetRandomQuote(ctx context.Context, guildID string) (*Quote, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	var quote Quote
	err = db.Order("RANDOM()").Limit(1).Take(&quote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(opRandomQuote, reasonQueryFailed, err, guildID)
	}
	return &quote, nil
}

// GetQuoteCount counts the quotes of a guild.
func (s *Service) GetQuoteCount(ctx context.Context, guildID string) (int64, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return 0, err
	}
	defer release()

	var count int64
	if err := db.Model(&Quote{}).Count(&count).Error; err != nil {
		return 0, s.fail(opQuoteCount, reasonQueryFailed, err, guildID)
	}
	return count, nil
}

// UpdateQuote replaces text and author. It reports false when the quote does not exist.
func (s *Service) UpdateQuote(ctx context.Context, guildID string, quoteID int64, text, author string) (bool, error) {
	text, err := normalizeText(text)
	if err != nil {
		return false, err
	}
	author, err = normalizeAuthor(author)
	if err != nil {
		return false, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	result := db.Model(&Quote{}).
		Where("id = ?", quoteID).
		Updates(map[string]interface{}{
			"text":       text,
			"author":     author,
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return false, s.fail(opUpdateQuote, "update_failed", result.Error, guildID, zap.Int64("quote_id", quoteID))
	}
	return result.RowsAffected > 0, nil
}

// DeleteQuote removes the quote together with its ratings and tags.
func (s *Service) DeleteQuote(ctx context.Context, guildID string, quoteID int64) (bool, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	deleted := false
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("quote_id = ?", quoteID).Delete(&Rating{}).Error; err != nil {
			return err
		}
		if err := tx.Where("quote_id = ?", quoteID).Delete(&Tag{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", quoteID).Delete(&Quote{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, s.fail(opDeleteQuote, "delete_failed", err, guildID, zap.Int64("quote_id", quoteID))
	}
	return deleted, nil
}

// RateQuote records or replaces the user's rating. It reports false when the quote does not exist.
func (s *Service) RateQuote(ctx context.Context, guildID string, quoteID int64, userID string, rating int) (bool, error) {
	if rating < minRating || rating > maxRating {
		return false, ErrInvalidRating
	}
	if userID == "" {
		return false, ErrInvalidUserID
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	rated, reason := false, reasonQueryFailed
	err = db.Transaction(func(tx *gorm.DB) error {
		exists, err := quoteExists(tx, quoteID)
		if err != nil || !exists {
			return err
		}
		now := s.now()
		record := Rating{QuoteID: quoteID, UserID: userID, Rating: rating, CreatedAt: now, UpdatedAt: now}
		reason = "upsert_failed"
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "quote_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"rating", "updated_at"}),
		}).Create(&record).Error; err != nil {
			return err
		}
		rated = true
		return nil
	})
	if err != nil {
		return false, s.fail(opRateQuote, reason, err, guildID, zap.Int64("quote_id", quoteID))
	}
	return rated, nil
}

// GetQuoteRating aggregates the ratings of a quote.
func (s *Service) GetQuoteRating(ctx context.Context, guildID string, quoteID int64) (RatingSummary, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return RatingSummary{}, err
	}
	defer release()

	summary := RatingSummary{QuoteID: quoteID}
	if err := db.Model(&Rating{}).
		Select("COUNT(*) AS count, COALESCE(AVG(rating), 0) AS average").
		Where("quote_id = ?", quoteID).
		Scan(&summary).Error; err != nil {
		return RatingSummary{}, s.fail(opQuoteRating, reasonQueryFailed, err, guildID, zap.Int64("quote_id", quoteID))
	}
	summary.QuoteID = quoteID
	return summary, nil
}

// TagQuote attaches a tag to the quote. Re-tagging is a no-op; false means the quote does not exist.
func (s *Service) TagQuote(ctx context.Context, guildID string, quoteID int64, tag string) (bool, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return false, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer release()

	tagged, reason := false, reasonQueryFailed
	err = db.Transaction(func(tx *gorm.DB) error {
		exists, err := quoteExists(tx, quoteID)
		if err != nil || !exists {
			return err
		}
		record := Tag{QuoteID: quoteID, Tag: tag, CreatedAt: s.now()}
		reason = "insert_failed"
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return err
		}
		tagged = true
		return nil
	})
	if err != nil {
		return false, s.fail(opTagQuote, reason, err, guildID, zap.Int64("quote_id", quoteID))
	}
	return tagged, nil
}

// GetQuoteTags lists a quote's tags alphabetically.
func (s *Service) GetQuoteTags(ctx context.Context, guildID string, quoteID int64) ([]string, error) {
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	tags := make([]string, 0)
	if err := db.Model(&Tag{}).Where("quote_id = ?", quoteID).Order("tag ASC").Pluck("tag", &tags).Error; err != nil {
		return nil, s.fail(opQuoteTags, reasonQueryFailed, err, guildID, zap.Int64("quote_id", quoteID))
	}
	return tags, nil
}

// GetQuotesByTag lists the quotes carrying the tag.
func (s *Service) GetQuotesByTag(ctx context.Context, guildID, tag string) ([]Quote, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return nil, err
	}
	db, release, err := s.databases.Session(ctx, guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	quotes := make([]Quote, 0)
	if err := db.
		Joins("JOIN quote_tags ON quote_tags.quote_id = quotes.id").
		Where("quote_tags.tag = ?", tag).
		Order("quotes.id ASC").
		Find(&quotes).Error; err != nil {
		return nil, s.fail(opQuotesByTag, reasonQueryFailed, err, guildID)
	}
	return quotes, nil
}

func quoteExists(db *gorm.DB, quoteID int64) (bool, error) {
	var count int64
	if err := db.Model(&Quote{}).Where("id = ?", quoteID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
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
	s.logger.Error("quotes service error", attrs...)
	return guilddb.NewQueryError(operation, reason, err)
}
