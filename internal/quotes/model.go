package quotes

import (
	"errors"
	"strings"
	"time"
)

const (
	maxQuoteTextLength = 2000
	maxAuthorLength    = 200
	maxTagLength       = 50
	minRating          = 1
	maxRating          = 5
	anonymousAuthor    = "Anonymous"
)

var (
	// ErrInvalidQuoteText indicates that quote text is empty or too long.
	ErrInvalidQuoteText = errors.New("quotes: invalid quote text")
	// ErrInvalidAuthor indicates that an author exceeds storage bounds.
	ErrInvalidAuthor = errors.New("quotes: invalid author")
	// ErrInvalidRating indicates a rating outside the 1-5 range.
	ErrInvalidRating = errors.New("quotes: rating must be between 1 and 5")
	// ErrInvalidTag indicates an empty or oversized tag.
	ErrInvalidTag = errors.New("quotes: invalid tag")
	// ErrInvalidUserID indicates that a rating was submitted without a user.
	ErrInvalidUserID = errors.New("quotes: invalid user id")
	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("quotes: unsupported export format")
)

// Quote is a saved quote, unique by id within its guild database only.
type Quote struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Text      string    `gorm:"column:text;type:text;not null" json:"text"`
	Author    string    `gorm:"column:author;size:200;not null;index" json:"author"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Quote) TableName() string {
	return "quotes"
}

// Rating stores one user's 1-5 score for a quote.
type Rating struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	QuoteID   int64     `gorm:"column:quote_id;not null;uniqueIndex:idx_quote_ratings_user,priority:1"`
	UserID    string    `gorm:"column:user_id;size:64;not null;uniqueIndex:idx_quote_ratings_user,priority:2"`
	Rating    int       `gorm:"column:rating;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Rating) TableName() string {
	return "quote_ratings"
}

// Tag labels a quote. Tags are stored lower-cased.
type Tag struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	QuoteID   int64     `gorm:"column:quote_id;not null;uniqueIndex:idx_quote_tags_tag,priority:1"`
	Tag       string    `gorm:"column:tag;size:50;not null;uniqueIndex:idx_quote_tags_tag,priority:2;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "quote_tags"
}

// RatingSummary aggregates the ratings of a single quote.
type RatingSummary struct {
	QuoteID int64   `gorm:"column:quote_id" json:"quote_id"`
	Count   int64   `gorm:"column:count" json:"count"`
	Average float64 `gorm:"column:average" json:"average"`
}

// Models lists the tables every guild database needs for quotes.
func Models() []interface{} {
	return []interface{}{&Quote{}, &Rating{}, &Tag{}}
}

func normalizeText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" || len(text) > maxQuoteTextLength {
		return "", ErrInvalidQuoteText
	}
	return text, nil
}

func normalizeAuthor(raw string) (string, error) {
	author := strings.TrimSpace(raw)
	if author == "" {
		return anonymousAuthor, nil
	}
	if len(author) > maxAuthorLength {
		return "", ErrInvalidAuthor
	}
	return author, nil
}

func normalizeTag(raw string) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "#")))
	if tag == "" || len(tag) > maxTagLength {
		return "", ErrInvalidTag
	}
	return tag, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(value) + "%"
}
