package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"retainer_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const batchSize = 200

// Storage persists the price cache, sale history and agent slots.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (and migrates) the SQLite database at path. An empty
// path resolves to the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		if dbPath, err = getDBPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.PriceCacheRecord{},
		&domain.SoldRecord{},
		&domain.AgentRecord{},
		&domain.ListingRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "RetainerGo", "data", "retainer.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Price Cache
// ======================================================================================

// SavePriceCache replaces the stored cache with entries.
func (s *Storage) SavePriceCache(entries []domain.PriceCacheEntry) error {
	records := make([]domain.PriceCacheRecord, len(entries))
	for i, e := range entries {
		records[i] = domain.NewPriceCacheRecord(e)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.PriceCacheRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, batchSize).Error
	})
}

// LoadPriceCache returns every stored entry.
func (s *Storage) LoadPriceCache() ([]domain.PriceCacheEntry, error) {
	var records []domain.PriceCacheRecord
	if err := s.db.Order("market_id, item_id, is_hq").Find(&records).Error; err != nil {
		return nil, err
	}

	entries := make([]domain.PriceCacheEntry, len(records))
	for i, r := range records {
		entries[i] = r.Entry()
	}
	return entries, nil
}

// ======================================================================================
// Sale History
// ======================================================================================

// AppendSoldRecord stores a new inferred sale.
func (s *Storage) AppendSoldRecord(rec domain.SoldRecord) error {
	return s.db.Create(&rec).Error
}

// LoadSoldRecords returns the full history, oldest first.
func (s *Storage) LoadSoldRecords() ([]domain.SoldRecord, error) {
	var records []domain.SoldRecord
	err := s.db.Order("sold_at, id").Find(&records).Error
	return records, err
}

// DeleteSoldRecord removes a record by id.
func (s *Storage) DeleteSoldRecord(id string) error {
	res := s.db.Where("id = ?", id).Delete(&domain.SoldRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	return nil
}

// ======================================================================================
// Agents
// ======================================================================================

// SaveAgent stores an agent's balance and replaces its listing slots.
func (s *Storage) SaveAgent(agent domain.AgentRecord, listings []domain.Listing) error {
	records := make([]domain.ListingRecord, len(listings))
	for i, l := range listings {
		l.AgentID = agent.AgentID
		records[i] = domain.NewListingRecord(l)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&agent).Error; err != nil {
			return err
		}
		if err := tx.Where("agent_id = ?", agent.AgentID).Delete(&domain.ListingRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Create(&records).Error
	})
}

// LoadAgents returns every stored agent.
func (s *Storage) LoadAgents() ([]domain.AgentRecord, error) {
	var agents []domain.AgentRecord
	err := s.db.Order("agent_id").Find(&agents).Error
	return agents, err
}

// LoadListings returns an agent's stored listings in slot order.
func (s *Storage) LoadListings(agentID uint64) ([]domain.Listing, error) {
	var records []domain.ListingRecord
	if err := s.db.Where("agent_id = ?", agentID).Order("slot_index").Find(&records).Error; err != nil {
		return nil, err
	}

	listings := make([]domain.Listing, len(records))
	for i, r := range records {
		listings[i] = r.Listing()
	}
	return listings, nil
}
