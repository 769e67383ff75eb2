package badger

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
)

// gcInterval is how often the value-log garbage collector runs.
const gcInterval = 10 * time.Minute

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	source interfaces.SourceStorage
	draft  interfaces.DraftStorage
	parse  interfaces.ParseStorage
	run    interfaces.RunStorage
	stopGC chan struct{}
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		source: NewSourceStorage(db, logger),
		draft:  NewDraftStorage(db, logger),
		parse:  NewParseStorage(db, logger),
		run:    NewRunStorage(db, logger),
		stopGC: make(chan struct{}),
		logger: logger,
	}
	db.StartGC(manager.stopGC, gcInterval)

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// SourceStorage returns the trend source storage interface
func (m *Manager) SourceStorage() interfaces.SourceStorage {
	return m.source
}

// DraftStorage returns the content draft storage interface
func (m *Manager) DraftStorage() interfaces.DraftStorage {
	return m.draft
}

// ParseStorage returns the parse cache and dead-letter storage interface
func (m *Manager) ParseStorage() interfaces.ParseStorage {
	return m.parse
}

// RunStorage returns the pipeline run storage interface
func (m *Manager) RunStorage() interfaces.RunStorage {
	return m.run
}

// Close stops the garbage collector and closes the database connection
func (m *Manager) Close() error {
	if m.stopGC != nil {
		close(m.stopGC)
	}
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
