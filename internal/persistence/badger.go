package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStore persists values in an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a Badger database in dir. An empty
// dir opens an in-memory database.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Save(_ context.Context, key string, value any) error {
	b, err := encode(key, value)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), b)
	})
	if err != nil {
		return fmt.Errorf("persistence: save %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Load(_ context.Context, key string, dst any) error {
	var b []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		b, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("persistence: load %q: %w", key, err)
	}
	return decode(key, b, dst)
}

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("persistence: close badger: %w", err)
	}
	return nil
}

// badgerLogger routes Badger's printf-style logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

// Badger is chatty at info level; demote to debug.
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
