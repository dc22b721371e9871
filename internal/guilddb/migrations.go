package guilddb

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationUserCommunicationsColumnUnique = "user_communications_column_unique"
	migrationEnsureSchema                   = "ensure_schema"

	userCommunicationsTable = "user_communications"
	userIDColumn            = "userId"
)

// userCommunicationsColumns lists the columns carried over when rebuilding a legacy table.
var userCommunicationsColumns = []string{"id", userIDColumn, "opted_in", "preferences", "createdAt", "updatedAt"}

var tableLevelUniquePattern = regexp.MustCompile(`(?i)\bUNIQUE\s*\(`)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name   string
	needed func(*gorm.DB) (bool, error)
	apply  func(*gorm.DB) error
}

func shapeMigrations() []migrationDefinition {
	return []migrationDefinition{
		{
			name:   migrationUserCommunicationsColumnUnique,
			needed: NeedsUserCommunicationsMigration,
			apply:  MigrateUserCommunications,
		},
	}
}

// migrate brings a freshly opened database to the current schema.
// Failures are logged and never fail the open.
func (m *Manager) migrate(db *gorm.DB, guildID string) {
	for _, migration := range shapeMigrations() {
		needed, err := migration.needed(db)
		if err != nil {
			m.logMigrationFailure(&MigrationError{GuildID: guildID, Migration: migration.name, Err: err})
			continue
		}
		if !needed {
			continue
		}
		if err := migration.apply(db); err != nil {
			m.logMigrationFailure(&MigrationError{GuildID: guildID, Migration: migration.name, Err: err})
			continue
		}
		m.migrationsApplied.Add(1)
		m.recordMigration(db, guildID, migration.name)
		m.logger.Info("database migration applied",
			zap.String("guild_id", guildID),
			zap.String("migration", migration.name))
	}

	if err := ensureUserCommunications(db); err != nil {
		m.logMigrationFailure(&MigrationError{GuildID: guildID, Migration: migrationEnsureSchema, Err: err})
	}
	models := append([]interface{}{&migrationRecord{}}, m.models...)
	if err := db.AutoMigrate(models...); err != nil {
		m.logMigrationFailure(&MigrationError{GuildID: guildID, Migration: migrationEnsureSchema, Err: err})
	}
}

func (m *Manager) recordMigration(db *gorm.DB, guildID, name string) {
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		m.logger.Warn("migration record table unavailable", zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	record := migrationRecord{Name: name, AppliedAtSeconds: m.clock().UTC().Unix()}
	if err := db.Save(&record).Error; err != nil {
		m.logger.Warn("migration record not saved", zap.String("guild_id", guildID), zap.Error(err))
	}
}

func (m *Manager) logMigrationFailure(err *MigrationError) {
	m.logger.Warn("database migration failed",
		zap.String("guild_id", err.GuildID),
		zap.String("migration", err.Migration),
		zap.Error(err))
}

type indexListRow struct {
	Name   string `gorm:"column:name"`
	Unique int    `gorm:"column:unique"`
}

type indexInfoRow struct {
	Name string `gorm:"column:name"`
}

type tableInfoRow struct {
	Name string `gorm:"column:name"`
}

// NeedsUserCommunicationsMigration reports whether user_communications still has the legacy shape:
// either no unique index on userId alone, or a table-level UNIQUE(...) clause.
// A missing table needs no migration.
func NeedsUserCommunicationsMigration(db *gorm.DB) (bool, error) {
	var ddl []string
	if err := db.Raw("SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", userCommunicationsTable).
		Scan(&ddl).Error; err != nil {
		return false, err
	}
	if len(ddl) == 0 {
		return false, nil
	}
	if tableLevelUniquePattern.MatchString(ddl[0]) {
		return true, nil
	}

	hasColumnUnique, err := hasSingleColumnUniqueIndex(db, userCommunicationsTable, userIDColumn)
	if err != nil {
		return false, err
	}
	return !hasColumnUnique, nil
}

func hasSingleColumnUniqueIndex(db *gorm.DB, table, column string) (bool, error) {
	var indexes []indexListRow
	if err := db.Raw(fmt.Sprintf("PRAGMA index_list(%q)", table)).Scan(&indexes).Error; err != nil {
		return false, err
	}
	for _, index := range indexes {
		if index.Unique != 1 {
			continue
		}
		var columns []indexInfoRow
		if err := db.Raw(fmt.Sprintf("PRAGMA index_info(%q)", index.Name)).Scan(&columns).Error; err != nil {
			return false, err
		}
		if len(columns) == 1 && columns[0].Name == column {
			return true, nil
		}
	}
	return false, nil
}

// MigrateUserCommunications rebuilds user_communications with a column-level UNIQUE userId.
// When legacy data holds several rows per user the most recently inserted row wins.
func MigrateUserCommunications(db *gorm.DB) error {
	needed, err := NeedsUserCommunicationsMigration(db)
	if err != nil || !needed {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var existing []tableInfoRow
		if err := tx.Raw(fmt.Sprintf("PRAGMA table_info(%q)", userCommunicationsTable)).Scan(&existing).Error; err != nil {
			return err
		}
		columns := sharedColumns(existing, userCommunicationsColumns)
		if !containsColumn(columns, userIDColumn) {
			return fmt.Errorf("legacy %s table has no %s column", userCommunicationsTable, userIDColumn)
		}

		const staging = "user_communications_migrated"
		if err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %q", staging)).Error; err != nil {
			return err
		}
		if err := tx.Exec(userCommunicationsDDL(staging)).Error; err != nil {
			return err
		}

		columnList := quoteColumns(columns)
		copyRows := fmt.Sprintf(
			"INSERT INTO %q (%s) SELECT %s FROM %q WHERE rowid IN (SELECT MAX(rowid) FROM %q GROUP BY %q)",
			staging, columnList, columnList, userCommunicationsTable, userCommunicationsTable, userIDColumn,
		)
		if err := tx.Exec(copyRows).Error; err != nil {
			return err
		}
		if err := tx.Exec(fmt.Sprintf("DROP TABLE %q", userCommunicationsTable)).Error; err != nil {
			return err
		}
		if err := tx.Exec(fmt.Sprintf("ALTER TABLE %q RENAME TO %q", staging, userCommunicationsTable)).Error; err != nil {
			return err
		}
		return tx.Exec(userCommunicationsIndexDDL).Error
	})
}

const userCommunicationsIndexDDL = `CREATE INDEX IF NOT EXISTS "idx_user_communications_opted_in" ON "user_communications" ("opted_in")`

func userCommunicationsDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"userId" TEXT NOT NULL UNIQUE,
	"opted_in" INTEGER DEFAULT 0,
	"preferences" TEXT,
	"createdAt" DATETIME,
	"updatedAt" DATETIME
)`, table)
}

// ensureUserCommunications creates the table in its current shape when it is absent.
// The table is not managed by AutoMigrate so its DDL stays byte-compatible with deployed files.
func ensureUserCommunications(db *gorm.DB) error {
	if err := db.Exec(userCommunicationsDDL(userCommunicationsTable)).Error; err != nil {
		return err
	}
	return db.Exec(userCommunicationsIndexDDL).Error
}

func sharedColumns(existing []tableInfoRow, wanted []string) []string {
	present := make(map[string]struct{}, len(existing))
	for _, column := range existing {
		present[column.Name] = struct{}{}
	}
	shared := make([]string, 0, len(wanted))
	for _, column := range wanted {
		if _, ok := present[column]; ok {
			shared = append(shared, column)
		}
	}
	return shared
}

func containsColumn(columns []string, name string) bool {
	for _, column := range columns {
		if column == name {
			return true
		}
	}
	return false
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = fmt.Sprintf("%q", column)
	}
	return strings.Join(quoted, ", ")
}
