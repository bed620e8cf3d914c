// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package store opens the shared BadgerDB record store and provides the
// JSON codec helpers used by every persistent record type. Each consumer
// package owns a key prefix within the one database:
//
//	cache:    cache entries (cachestore)
//	fresh:    freshness records (freshness)
//	run:      differential update run records (differential)
package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/logging"
)

// ErrKeyNotFound is returned by GetJSON when the key is absent.
var ErrKeyNotFound = errors.New("store: key not found")

// Options configures the Badger database.
type Options struct {
	// Path is the on-disk directory. Ignored when InMemory is set.
	Path string

	// InMemory runs Badger without persistence. Tests use this.
	InMemory bool

	// SyncWrites forces fsync on every write.
	SyncWrites bool
}

// Open creates or opens the record store.
func Open(opts Options) (*badger.DB, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path)
		bopts.SyncWrites = opts.SyncWrites
	}
	// Badger's own logger is noisy at INFO; silence it and rely on our
	// structured logging instead.
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open store at %q: %w", opts.Path, err)
	}

	logging.Info().Str("path", opts.Path).Bool("in_memory", opts.InMemory).Bool("sync_writes", opts.SyncWrites).Msg("record store opened")
	return db, nil
}

// SetJSON serializes v and stores it at key within the transaction.
func SetJSON(tx *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return tx.Set(key, data)
}

// GetJSON loads the value at key and deserializes it into v.
// Returns ErrKeyNotFound when the key is absent.
func GetJSON(tx *badger.Txn, key []byte, v interface{}) error {
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// ScanPrefix iterates all values under prefix, invoking fn with each raw
// value. Returning an error from fn stops the scan.
func ScanPrefix(tx *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	it := tx.NewIterator(badger.IteratorOptions{
		PrefetchValues: true,
		PrefetchSize:   100,
		Prefix:         prefix,
	})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}
