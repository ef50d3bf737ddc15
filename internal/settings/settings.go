// Package settings persists small client preferences, currently just the
// signaling relay URL override. Transferred files and messages are never
// stored.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const KeySignalingURL = "signaling_url"

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings db: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate settings db: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath places the settings database under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	appDir := filepath.Join(dir, "peerdrop")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(appDir, "settings.sqlite3"), nil
}

func (s *Store) Get(key string) (string, error) {
	var setting Setting
	err := s.db.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Store) Set(key, value string) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&Setting{Key: key, Value: value}).Error
}

func (s *Store) SignalingURL() (string, error) {
	return s.Get(KeySignalingURL)
}

func (s *Store) SetSignalingURL(url string) error {
	return s.Set(KeySignalingURL, url)
}
