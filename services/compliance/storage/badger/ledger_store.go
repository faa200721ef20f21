// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
)

// Keyspace. Entry keys sort by ID because the ID is zero-padded.
var (
	entryPrefix = []byte("ledger/entry/")
	seqKey      = []byte("ledger/meta/seq")
	anchorKey   = []byte("ledger/meta/anchor")
)

// ErrArchiveTooLarge is returned when a prefix does not fit in one
// transaction. The ledger is unchanged; retry with an earlier cutoff.
var ErrArchiveTooLarge = errors.New("archive prefix exceeds transaction size")

func entryKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, id))
}

// LedgerStore implements ledger.Store on BadgerDB.
//
// # Description
//
// Entries are JSON under ledger/entry/<id>, the next ID under
// ledger/meta/seq and the latest archive anchor under ledger/meta/anchor.
//
// # Thread Safety
//
// A store-level mutex serializes Append and ArchivePrefix. Reads use
// snapshot transactions and do not take the mutex.
type LedgerStore struct {
	db *DB
	mu sync.Mutex
}

// NewLedgerStore wraps an open database.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Append(ctx context.Context, build ledger.BuildFunc) (ledger.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.AuditLogEntry
	err := s.db.update(ctx, func(txn *badger.Txn) error {
		last, err := lastEntry(txn)
		if err != nil {
			return err
		}
		anchor, err := readAnchor(txn)
		if err != nil {
			return err
		}
		next, err := readSeq(txn)
		if err != nil {
			return err
		}

		entry, err := build(ledger.HeadHash(last, anchor))
		if err != nil {
			return err
		}
		entry.ID = next
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if err := txn.Set(entryKey(entry.ID), raw); err != nil {
			return err
		}
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], uint64(next+1))
		if err := txn.Set(seqKey, seq[:]); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return ledger.AuditLogEntry{}, err
	}
	return out, nil
}

func (s *LedgerStore) Query(ctx context.Context, filter ledger.QueryFilter) ([]ledger.AuditLogEntry, error) {
	filter = filter.Normalized()
	out := make([]ledger.AuditLogEntry, 0, filter.Limit)
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := append(append([]byte{}, entryPrefix...), 0xFF)
		if filter.MaxID > 0 {
			start = entryKey(filter.MaxID)
		}
		skipped := 0
		for it.Seek(start); it.ValidForPrefix(entryPrefix); it.Next() {
			e, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if !filter.Matches(e) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			out = append(out, e)
			if len(out) == filter.Limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *LedgerStore) Range(ctx context.Context, fromID, toID int64, limit int) ([]ledger.AuditLogEntry, error) {
	var out []ledger.AuditLogEntry
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(fromID)); it.ValidForPrefix(entryPrefix); it.Next() {
			e, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if e.ID > toID {
				return nil
			}
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *LedgerStore) Bounds(ctx context.Context) (first, last int64, ok bool, err error) {
	err = s.db.view(ctx, func(txn *badger.Txn) error {
		f, err := firstEntry(txn)
		if err != nil || f == nil {
			return err
		}
		l, err := lastEntry(txn)
		if err != nil {
			return err
		}
		first, last, ok = f.ID, l.ID, true
		return nil
	})
	return first, last, ok, err
}

func (s *LedgerStore) Predecessor(ctx context.Context, id int64) (*ledger.AuditLogEntry, error) {
	if id <= 1 {
		return nil, nil
	}
	var out *ledger.AuditLogEntry
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(entryKey(id - 1))
		if !it.ValidForPrefix(entryPrefix) {
			return nil
		}
		e, err := decodeItem(it.Item())
		if err != nil {
			return err
		}
		out = &e
		return nil
	})
	return out, err
}

func (s *LedgerStore) Anchor(ctx context.Context) (*ledger.ArchiveAnchor, error) {
	var out *ledger.ArchiveAnchor
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		a, err := readAnchor(txn)
		out = a
		return err
	})
	return out, err
}

func (s *LedgerStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(entryPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *LedgerStore) ArchivePrefix(ctx context.Context, cutoff time.Time, export ledger.ArchiveFunc) (*ledger.ArchiveAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		live  []ledger.AuditLogEntry
		prior *ledger.ArchiveAnchor
	)
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		var err error
		if prior, err = readAnchor(txn); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(entryPrefix); it.Next() {
			e, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			live = append(live, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	end := -1
	for i, e := range live {
		if e.CreatedAt.Before(cutoff) {
			end = i
		}
	}
	if end < 0 {
		return nil, nil
	}
	prefix := live[:end+1]

	anchor, err := export(prefix, prior)
	if err != nil {
		return nil, err
	}
	rawAnchor, err := json.Marshal(anchor)
	if err != nil {
		return nil, fmt.Errorf("encode anchor: %w", err)
	}

	err = s.db.update(ctx, func(txn *badger.Txn) error {
		for _, e := range prefix {
			if err := txn.Delete(entryKey(e.ID)); err != nil {
				return err
			}
		}
		return txn.Set(anchorKey, rawAnchor)
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return nil, fmt.Errorf("%w: %d entries", ErrArchiveTooLarge, len(prefix))
	}
	if err != nil {
		return nil, err
	}
	return &anchor, nil
}

// Close is a no-op; the owner of the DB closes it.
func (s *LedgerStore) Close() error { return nil }

// =============================================================================
// Transaction helpers
// =============================================================================

func decodeItem(item *badger.Item) (ledger.AuditLogEntry, error) {
	var e ledger.AuditLogEntry
	err := item.Value(func(val []byte) error {
		var err error
		e, err = ledger.DecodeEntry(val)
		return err
	})
	if err != nil {
		return ledger.AuditLogEntry{}, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return e, nil
}

func firstEntry(txn *badger.Txn) (*ledger.AuditLogEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = entryPrefix
	opts.PrefetchSize = 1
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	if !it.ValidForPrefix(entryPrefix) {
		return nil, nil
	}
	e, err := decodeItem(it.Item())
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func lastEntry(txn *badger.Txn) (*ledger.AuditLogEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = entryPrefix
	opts.PrefetchSize = 1
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Seek(append(append([]byte{}, entryPrefix...), 0xFF))
	if !it.ValidForPrefix(entryPrefix) {
		return nil, nil
	}
	e, err := decodeItem(it.Item())
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func readAnchor(txn *badger.Txn) (*ledger.ArchiveAnchor, error) {
	item, err := txn.Get(anchorKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a ledger.ArchiveAnchor
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
		return nil, fmt.Errorf("decode anchor: %w", err)
	}
	return &a, nil
}

// readSeq returns the next ID to assign. IDs start at 1 and are never
// reused, including after archival.
func readSeq(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(seqKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var next int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence value of %d bytes", len(val))
		}
		next = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return next, err
}
