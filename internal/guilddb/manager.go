package guilddb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var errMissingDataRoot = errors.New("guilddb: data root is required")

// ManagerConfig describes where guild databases live and which models every guild schema carries.
type ManagerConfig struct {
	DataRoot     string
	Models       []interface{}
	QueryTimeout time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Handle is one open guild database connection owned by the Manager.
// Services borrow the connection but never close it.
type Handle struct {
	guildID string
	path    string
	db      *gorm.DB
	closed  atomic.Bool
}

// GuildID returns the guild the handle belongs to.
func (h *Handle) GuildID() string {
	return h.guildID
}

// Path returns the database file backing the handle.
func (h *Handle) Path() string {
	return h.path
}

// DB exposes the underlying gorm connection.
func (h *Handle) DB() *gorm.DB {
	return h.db
}

// Closed reports whether the handle has been released by the Manager.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

func (h *Handle) close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Stats reports counters used to observe cache and migration behaviour.
type Stats struct {
	OpenHandles       int
	Opens             int64
	MigrationsApplied int64
}

// Manager lazily opens, migrates and caches one SQLite database per guild.
type Manager struct {
	dataRoot     string
	models       []interface{}
	queryTimeout time.Duration
	logger       *zap.Logger
	clock        func() time.Time

	mu      sync.RWMutex
	handles map[string]*Handle
	epoch   uint64
	opening singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*guildLock

	// afterOpen runs between a successful open and caching; tests use it to interleave closes.
	afterOpen func(guildID string)

	opens             atomic.Int64
	migrationsApplied atomic.Int64
}

// NewManager constructs a Manager rooted at cfg.DataRoot.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.DataRoot == "" {
		return nil, errMissingDataRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		dataRoot:     filepath.Clean(cfg.DataRoot),
		models:       append([]interface{}(nil), cfg.Models...),
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
		clock:        clock,
		handles:      make(map[string]*Handle),
		locks:        make(map[string]*guildLock),
	}, nil
}

type guildLock struct {
	mu   sync.Mutex
	refs int
}

// lockGuild serializes opening, closing and deleting one guild.
func (m *Manager) lockGuild(guildID string) func() {
	m.locksMu.Lock()
	lock := m.locks[guildID]
	if lock == nil {
		lock = &guildLock{}
		m.locks[guildID] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, guildID)
		}
		m.locksMu.Unlock()
	}
}

// Database returns the cached handle for the guild, opening and migrating it on first use.
// Concurrent first calls for the same guild share a single open.
// An open never overlaps a close or delete of the same guild.
func (m *Manager) Database(ctx context.Context, guildID string) (*Handle, error) {
	id, err := ValidateGuildID(guildID)
	if err != nil {
		return nil, err
	}
	if handle := m.cached(id); handle != nil {
		return handle, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err, _ := m.opening.Do(id, func() (interface{}, error) {
		unlock := m.lockGuild(id)
		defer unlock()

		m.mu.RLock()
		handle, epoch := m.handles[id], m.epoch
		m.mu.RUnlock()
		if handle != nil {
			return handle, nil
		}

		handle, err := m.open(id)
		if err != nil {
			return nil, err
		}
		if m.afterOpen != nil {
			m.afterOpen(id)
		}

		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			_ = handle.close()
			return nil, &OpenError{GuildID: id, Path: handle.path, Err: ErrDatabaseClosed}
		}
		m.handles[id] = handle
		m.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Handle), nil
}

// Session returns a context-bound connection for one logical operation.
// The returned cancel func releases the per-query timeout and must always be called.
func (m *Manager) Session(ctx context.Context, guildID string) (*gorm.DB, context.CancelFunc, error) {
	handle, err := m.Database(ctx, guildID)
	if err != nil {
		return nil, nil, err
	}
	queryCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.queryTimeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, m.queryTimeout)
	}
	return handle.DB().WithContext(queryCtx), cancel, nil
}

func (m *Manager) cached(guildID string) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[guildID]
}

func (m *Manager) open(guildID string) (*Handle, error) {
	path := m.pathFor(guildID)
	if err := os.MkdirAll(filepath.Dir(path), databaseDirPerm); err != nil {
		return nil, &OpenError{GuildID: guildID, Path: path, Err: err}
	}

	db, err := gorm.Open(sqlite.Open(path+databaseDSNParams), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return m.clock().UTC() },
	})
	if err != nil {
		return nil, &OpenError{GuildID: guildID, Path: path, Err: err}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, &OpenError{GuildID: guildID, Path: path, Err: err}
	}
	sqlDB.SetMaxOpenConns(1)

	m.opens.Add(1)
	m.migrate(db, guildID)

	m.logger.Info("guild database opened",
		zap.String("guild_id", guildID),
		zap.String("path", path))

	return &Handle{guildID: guildID, path: path, db: db}, nil
}

// CloseGuildDatabase closes and evicts one guild handle. Unknown guilds are a no-op.
func (m *Manager) CloseGuildDatabase(guildID string) error {
	id, err := ValidateGuildID(guildID)
	if err != nil {
		return err
	}
	unlock := m.lockGuild(id)
	defer unlock()
	return m.evict(id)
}

func (m *Manager) evict(id string) error {
	m.mu.Lock()
	handle, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := handle.close(); err != nil {
		m.logger.Warn("guild database close failed", zap.String("guild_id", id), zap.Error(err))
		return err
	}
	m.logger.Debug("guild database closed", zap.String("guild_id", id))
	return nil
}

// CloseAll closes every cached handle and clears the cache.
// Opens still in flight are closed instead of cached.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.epoch++
	m.mu.Unlock()

	var errs []error
	for id, handle := range handles {
		if err := handle.close(); err != nil {
			m.logger.Warn("guild database close failed", zap.String("guild_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteGuildData releases the guild handle and removes the guild directory from disk.
// A guild without a directory is treated as already deleted.
func (m *Manager) DeleteGuildData(ctx context.Context, guildID string) error {
	id, err := ValidateGuildID(guildID)
	if err != nil {
		return err
	}
	if id == RootGuildID {
		return ErrRootGuildDeletion
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.lockGuild(id)
	defer unlock()
	if err := m.evict(id); err != nil {
		return err
	}
	dir := m.guildDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	m.logger.Info("guild data deleted", zap.String("guild_id", id), zap.String("path", dir))
	return nil
}

// OpenGuilds lists the guilds with a cached handle.
func (m *Manager) OpenGuilds() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	open := len(m.handles)
	m.mu.RUnlock()
	return Stats{
		OpenHandles:       open,
		Opens:             m.opens.Load(),
		MigrationsApplied: m.migrationsApplied.Load(),
	}
}
