package communications

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	tableName        = "user_communications"
	maxUserIDLength  = 64
	maxPreferenceKey = 64
)

var (
	// ErrInvalidUserID indicates an empty or oversized user id.
	ErrInvalidUserID = errors.New("communications: invalid user id")
	// ErrInvalidPreferences indicates a preference map with empty or oversized keys.
	ErrInvalidPreferences = errors.New("communications: invalid preferences")
)

// Preference is the communication state of one user in one guild.
type Preference struct {
	UserID      string            `json:"user_id"`
	OptedIn     bool              `json:"opted_in"`
	Preferences map[string]string `json:"preferences,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// record mirrors the user_communications row. Columns written by older releases
// may hold NULLs, hence the nullable scan types.
type record struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      string         `gorm:"column:userId"`
	OptedIn     sql.NullBool   `gorm:"column:opted_in"`
	Preferences sql.NullString `gorm:"column:preferences"`
	CreatedAt   sql.NullTime   `gorm:"column:createdAt;autoCreateTime:false"`
	UpdatedAt   sql.NullTime   `gorm:"column:updatedAt;autoUpdateTime:false"`
}

func (record) TableName() string {
	return tableName
}

func (r record) toPreference() (Preference, error) {
	preference := Preference{
		UserID:    r.UserID,
		OptedIn:   r.OptedIn.Valid && r.OptedIn.Bool,
		CreatedAt: r.CreatedAt.Time.UTC(),
		UpdatedAt: r.UpdatedAt.Time.UTC(),
	}
	if r.Preferences.Valid && strings.TrimSpace(r.Preferences.String) != "" {
		if err := json.Unmarshal([]byte(r.Preferences.String), &preference.Preferences); err != nil {
			return Preference{}, err
		}
	}
	return preference, nil
}

func normalizeUserID(raw string) (string, error) {
	userID := strings.TrimSpace(raw)
	if userID == "" || len(userID) > maxUserIDLength {
		return "", ErrInvalidUserID
	}
	return userID, nil
}

func encodePreferences(preferences map[string]string) (string, error) {
	for key := range preferences {
		if strings.TrimSpace(key) == "" || len(key) > maxPreferenceKey {
			return "", ErrInvalidPreferences
		}
	}
	if preferences == nil {
		preferences = map[string]string{}
	}
	payload, err := json.Marshal(preferences)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
