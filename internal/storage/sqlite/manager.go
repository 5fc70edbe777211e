package sqlite

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
)

// Manager owns the SQLite connection and exposes it as an interfaces.Store.
type Manager struct {
	db     *SQLiteDB
	store  *Store
	logger arbor.ILogger
}

// NewManager opens the database, applies the schema, and returns a
// ready-to-use Store.
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (*Manager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:     db,
		store:  NewStore(db, logger),
		logger: logger,
	}, nil
}

// Store returns the interfaces.Store backed by this manager's connection.
func (m *Manager) Store() interfaces.Store {
	return m.store
}

// DB exposes the raw connection for health checks.
func (m *Manager) DB() *SQLiteDB {
	return m.db
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
