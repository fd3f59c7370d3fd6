package namr

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Registration maps a username to its connection info.
type Registration struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	Address   string
	CreatedAt int64
}

// Store persists registrations in SQLite.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}

	if err := db.AutoMigrate(&Registration{}); err != nil {
		return nil, fmt.Errorf("migrating registry db: %w", err)
	}

	return &Store{db: db}, nil
}

// Register claims a username. Returns false when the name is already taken.
func (s *Store) Register(username, addr string) (bool, error) {
	var existing Registration
	err := s.db.Where("username = ?", username).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	registration := Registration{
		Username:  username,
		Address:   addr,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.db.Create(&registration).Error; err != nil {
		// Unique index lost the race to a concurrent registration.
		return false, nil
	}
	return true, nil
}

// Lookup resolves a username to its registered address.
func (s *Store) Lookup(username string) (string, bool, error) {
	var registration Registration
	err := s.db.Where("username = ?", username).First(&registration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return registration.Address, true, nil
}
