package server

import "github.com/aeolun/darkroom/pkg/database"

// Store is the persistence the relay needs. *database.DB satisfies it.
type Store interface {
	IsBanned(address string) (bool, error)
	BanUser(address, reason string, durationHours int) error
	RegisterOrGetUser(nickname string) (int64, error)
	IsAdmin(nickname string) (bool, error)
	EnsureAdmin(nickname string) error
	SaveMessage(nickname, content string) error
	SaveSharedFile(nickname, filename, code string) error
	RecentMessages(limit int) ([]*database.Message, error)
	Stats() (users, messages int, err error)
	Close() error
}

var _ Store = (*database.DB)(nil)
