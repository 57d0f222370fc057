// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package journal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const ackPrefix = "ack:"

// Badger is a durable journal. Entries carry a TTL and are dropped by
// badger's own compaction.
type Badger struct {
	db     *badger.DB
	ttl    time.Duration
	closed atomic.Bool
}

// OpenBadger opens (or creates) a journal in dir. An empty dir opens an
// in-memory badger instance.
func OpenBadger(dir string, ttl time.Duration) (*Badger, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ack journal: %w", err)
	}
	return &Badger{db: db, ttl: ttl}, nil
}

func (b *Badger) Acked(_ context.Context, id string) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(ackPrefix + id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ack %s: %w", id, err)
	}
	return true, nil
}

func (b *Badger) MarkAcked(_ context.Context, id string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	entry := badger.NewEntry([]byte(ackPrefix+id), []byte(time.Now().UTC().Format(time.RFC3339Nano))).WithTTL(b.ttl)
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("write ack %s: %w", id, err)
	}
	return nil
}

func (b *Badger) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}
