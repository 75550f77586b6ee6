package storage

import (
	"database/sql"
)

// Scheduler state keys.
const (
	StateLastTriggerDate = "last_trigger_date"
	StateSchedule        = "schedule"
)

func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()),
	)
	return err
}

// GetState returns the stored value for key, or ErrNotFound.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM scheduler_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}
