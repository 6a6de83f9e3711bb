// Package settingsstore is the durable key/value settings store described in
// spec.md §6. It generalises the teacher's repository package (two fixed
// gorm models, StoredBessReading/StoredMeterReading, over a SQLite buffer)
// into a single key/value table holding arbitrary JSON-encoded settings, and
// adds an in-process "event subscription on set" pub/sub that the teacher's
// fixed-schema repository never needed.
//
// Subscriber dispatch is serialised per key (one handler in flight per key at
// a time), matching the design note in spec.md §5 ("Settings updates that
// trigger rebuilds are themselves serialised through a per-key handler
// queue"), while different keys may dispatch concurrently.
package settingsstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// storedSetting is the gorm model backing the key/value table.
type storedSetting struct {
	Key       string `gorm:"primaryKey"`
	Value     string // JSON-encoded
	UpdatedAt int64  // unix millis, avoids relying on gorm's own time handling for ordering
}

// Store is a durable key/value settings store with change notification.
type Store struct {
	db *gorm.DB

	mu          sync.Mutex
	subscribers map[string][]func(key string, raw json.RawMessage)
	queues      map[string]chan func()
	logger      *slog.Logger
}

// New opens (creating if necessary) the sqlite-backed settings store at path.
func New(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	if err := db.AutoMigrate(&storedSetting{}); err != nil {
		return nil, fmt.Errorf("migrate settings store: %w", err)
	}

	return &Store{
		db:          db,
		subscribers: make(map[string][]func(key string, raw json.RawMessage)),
		queues:      make(map[string]chan func()),
		logger:      slog.Default().With("component", "settingsstore"),
	}, nil
}

// Get reads the value stored under key into out (a pointer), returning false if the key
// has never been set. State-consistency errors (corrupt JSON) are logged and treated as
// "not found" so that callers can fall back to their own defaults, per spec.md §7.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	var row storedSetting
	result := s.db.First(&row, "key = ?", key)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, fmt.Errorf("read setting %q: %w", key, result.Error)
	}

	if err := json.Unmarshal([]byte(row.Value), out); err != nil {
		s.logger.Error("Corrupt setting value, ignoring", "key", key, "error", err)
		return false, nil
	}

	return true, nil
}

// GetRaw returns the raw JSON stored under key, or nil if unset.
func (s *Store) GetRaw(key string) (json.RawMessage, bool, error) {
	var row storedSetting
	result := s.db.First(&row, "key = ?", key)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read setting %q: %w", key, result.Error)
	}
	return json.RawMessage(row.Value), true, nil
}

// Set writes value (marshalled to JSON) under key and notifies any subscribers
// asynchronously, serialised per key.
func (s *Store) Set(key string, value interface{}, updatedAtUnixMs int64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %q: %w", key, err)
	}

	row := storedSetting{Key: key, Value: string(raw), UpdatedAt: updatedAtUnixMs}
	result := s.db.Save(&row)
	if result.Error != nil {
		return fmt.Errorf("write setting %q: %w", key, result.Error)
	}

	s.notify(key, json.RawMessage(raw))
	return nil
}

// SetNull clears the value under key (used for the settings_ui_log acknowledgement keys
// in spec.md §6, which are always written back as null).
func (s *Store) SetNull(key string, updatedAtUnixMs int64) error {
	return s.Set(key, nil, updatedAtUnixMs)
}

// Subscribe registers handler to be called, serialised per key, whenever Set(key, ...) is
// called. It returns an unsubscribe function.
func (s *Store) Subscribe(key string, handler func(key string, raw json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[key] = append(s.subscribers[key], handler)
	idx := len(s.subscribers[key]) - 1

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		handlers := s.subscribers[key]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// notify dispatches a change event for key to all its subscribers, through a single
// per-key worker goroutine so that handlers for the same key never run concurrently but
// handlers for different keys can.
func (s *Store) notify(key string, raw json.RawMessage) {
	s.mu.Lock()
	handlers := make([]func(key string, raw json.RawMessage), 0, len(s.subscribers[key]))
	for _, h := range s.subscribers[key] {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	queue, ok := s.queues[key]
	if !ok {
		queue = make(chan func(), 32)
		s.queues[key] = queue
		go s.drainQueue(key, queue)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h := h
		select {
		case queue <- func() { h(key, raw) }:
		default:
			s.logger.Warn("Dropped settings change notification, subscriber queue full", "key", key)
		}
	}
}

// drainQueue runs queued notification callbacks for one key, one at a time, forever. A
// panicking handler is logged and does not stall later notifications.
func (s *Store) drainQueue(key string, queue chan func()) {
	for fn := range queue {
		s.runSafely(key, fn)
	}
}

func (s *Store) runSafely(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Settings subscriber panicked", "key", key, "panic", r)
		}
	}()
	fn()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
