// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package accounts

import (
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// ErrNotFound is returned when no account exists for an ID.
var ErrNotFound = errors.New("account not found")

const keyPrefix = "account:"

// Store persists accounts.
type Store interface {
	Create(account *Account) error
	Get(id string) (*Account, error)
	List() ([]*Account, error)
	Update(account *Account) error
	Delete(id string) error
	Close() error
}

// BadgerStore keeps accounts in a Badger key-value database under an
// "account:" key prefix, one JSON document per record.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the account database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryStore opens an ephemeral store. Used in tests and for running
// without persistence.
func NewInMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory account store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func accountKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Create stores a new account record.
func (s *BadgerStore) Create(account *Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accountKey(account.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store account %s: %w", account.ID, err)
	}
	return nil
}

// Get loads one account by ID.
func (s *BadgerStore) Get(id string) (*Account, error) {
	var account Account
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &account)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return &account, nil
}

// List returns all accounts ordered by join date, then ID.
func (s *BadgerStore) List() ([]*Account, error) {
	var accounts []*Account
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var account Account
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &account)
			})
			if err != nil {
				return err
			}
			accounts = append(accounts, &account)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].DateJoined != accounts[j].DateJoined {
			return accounts[i].DateJoined < accounts[j].DateJoined
		}
		return accounts[i].ID < accounts[j].ID
	})
	return accounts, nil
}

// Update replaces an existing account. ErrNotFound if the ID is unknown.
func (s *BadgerStore) Update(account *Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(accountKey(account.ID)); err != nil {
			return err
		}
		return txn.Set(accountKey(account.ID), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update account %s: %w", account.ID, err)
	}
	return nil
}

// Delete removes an account. Deleting an unknown ID is not an error.
func (s *BadgerStore) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(accountKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC triggers one round of Badger value-log garbage collection. Callers
// schedule it periodically; badger.ErrNoRewrite means nothing to collect,
// and in-memory databases have no value log at all.
func (s *BadgerStore) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}
