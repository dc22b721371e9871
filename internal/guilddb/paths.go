package guilddb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// RootGuildID addresses the shared bot-wide database.
	RootGuildID = "root"

	databaseFileName  = "quotes.db"
	guildsDirName     = "guilds"
	maxGuildIDLength  = 64
	databaseDirPerm   = 0o755
	databaseDSNParams = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
)

// ValidateGuildID trims the identifier and rejects values that could not name a directory safely.
func ValidateGuildID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGuildID)
	}
	if len(trimmed) > maxGuildIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGuildID, maxGuildIDLength)
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidGuildID, r)
		}
	}
	return trimmed, nil
}

// PathFor returns the database file backing the guild.
func (m *Manager) PathFor(guildID string) (string, error) {
	id, err := ValidateGuildID(guildID)
	if err != nil {
		return "", err
	}
	return m.pathFor(id), nil
}

func (m *Manager) pathFor(guildID string) string {
	if guildID == RootGuildID {
		return filepath.Join(m.dataRoot, databaseFileName)
	}
	return filepath.Join(m.guildDir(guildID), databaseFileName)
}

func (m *Manager) guildDir(guildID string) string {
	return filepath.Join(m.dataRoot, guildsDirName, guildID)
}

// KnownGuilds lists every guild that has a database file on disk, root included.
func (m *Manager) KnownGuilds() ([]string, error) {
	guilds := make([]string, 0)
	if fileExists(m.pathFor(RootGuildID)) {
		guilds = append(guilds, RootGuildID)
	}

	entries, err := os.ReadDir(filepath.Join(m.dataRoot, guildsDirName))
	if os.IsNotExist(err) {
		return guilds, nil
	}
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := ValidateGuildID(entry.Name())
		if err != nil || id == RootGuildID {
			continue
		}
		if fileExists(m.pathFor(id)) {
			guilds = append(guilds, id)
		}
	}
	sort.Strings(guilds)
	return guilds, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
