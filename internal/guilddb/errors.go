package guilddb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGuildID indicates that a guild identifier is empty or would escape the data root.
	ErrInvalidGuildID = errors.New("guilddb: invalid guild id")
	// ErrRootGuildDeletion guards the shared bot database against guild data removal.
	ErrRootGuildDeletion = errors.New("guilddb: root database cannot be deleted")
	// ErrDatabaseClosed reports that CloseAll ran while the guild database was being opened.
	ErrDatabaseClosed = errors.New("guilddb: database closed while opening")
)

// OpenError reports that a guild database file could not be opened.
// The guild is never cached when an OpenError is returned.
type OpenError struct {
	GuildID string
	Path    string
	Err     error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("guilddb: open %s for guild %s: %v", e.Path, e.GuildID, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// MigrationError reports a schema upgrade that could not be applied.
// It is logged rather than returned so the connection stays usable.
type MigrationError struct {
	GuildID   string
	Migration string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("guilddb: migration %s for guild %s: %v", e.Migration, e.GuildID, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// QueryError wraps a failed SQL statement issued by a guild-scoped service.
type QueryError struct {
	code string
	err  error
}

func (e *QueryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueryError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code describing the failed statement.
func (e *QueryError) Code() string {
	return e.code
}

// NewQueryError builds a QueryError with an "<operation>.<reason>" code.
func NewQueryError(operation, reason string, cause error) error {
	return &QueryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IsMissingTable reports whether err is SQLite complaining about an absent table.
// The driver reports it as "no such table: <name>" and carries no typed error for it.
func IsMissingTable(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}
