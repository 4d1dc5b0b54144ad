package status

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
)

const badgerKeyPrefix = "stream:"

// BadgerStore keeps records in an embedded BadgerDB directory.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database at dir. An empty dir opens
// an in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Get(_ context.Context, id string) (Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return decodeBadger(id, val, &rec)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (b *BadgerStore) Put(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+rec.ID), data)
	})
}

func (b *BadgerStore) List(context.Context) ([]Record, error) {
	var (
		out []Record
		bad []error
	)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			id := strings.TrimPrefix(string(it.Item().Key()), badgerKeyPrefix)
			err := it.Item().Value(func(val []byte) error {
				return decodeBadger(id, val, &rec)
			})
			if errors.Is(err, ErrCorrupt) {
				bad = append(bad, err)
				continue
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys are byte-ordered already, but keep the contract explicit.
	sortRecords(out)
	return out, errors.Join(bad...)
}

func (b *BadgerStore) Delete(_ context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func decodeBadger(id string, val []byte, rec *Record) error {
	var raw Record
	if err := json.Unmarshal(val, &raw); err != nil {
		return corrupt(id, err)
	}
	checked, err := decoded(id, raw)
	if err != nil {
		return err
	}
	*rec = checked
	return nil
}
