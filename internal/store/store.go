package store

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrNotFound is returned by every repository lookup that matched no row.
var ErrNotFound = errors.New("record not found")

// Store bundles the repositories backed by one gorm handle.
type Store struct {
	DB           *gorm.DB
	Tenants      TenantRepository
	Threads      ThreadRepository
	Pauses       PauseRepository
	Messages     MessageRepository
	Associations AssociationRepository
}

func New(db *gorm.DB) *Store {
	return &Store{
		DB:           db,
		Tenants:      NewGormTenantRepository(db),
		Threads:      NewGormThreadRepository(db),
		Pauses:       NewGormPauseRepository(db),
		Messages:     NewGormMessageRepository(db),
		Associations: NewGormAssociationRepository(db),
	}
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
