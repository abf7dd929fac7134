package blob

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"atsflow/pkg/platform/sentinel"
)

const (
	dataPrefix = "blob/data/"
	typePrefix = "blob/type/"
)

// BadgerStore keeps blobs in an embedded Badger database. Data and content
// type are written in one transaction.
type BadgerStore struct {
	db   *badger.DB
	base string
}

// OpenBadger opens (or creates) a Badger database in dir.
func OpenBadger(dir, baseURL string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return NewBadger(db, baseURL), nil
}

func NewBadger(db *badger.DB, baseURL string) *BadgerStore {
	return &BadgerStore{db: db, base: normalizeBase(baseURL)}
}

func (s *BadgerStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := newKey()
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataPrefix+key), data); err != nil {
			return err
		}
		return txn.Set([]byte(typePrefix+key), []byte(contentType))
	})
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return urlFor(s.base, key), nil
}

func (s *BadgerStore) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := keyFor(s.base, url)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(dataPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

// ContentType returns the content type recorded for url.
func (s *BadgerStore) ContentType(url string) (string, error) {
	key, err := keyFor(s.base, url)
	if err != nil {
		return "", err
	}
	var ct []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(typePrefix + key))
		if err != nil {
			return err
		}
		ct, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", sentinel.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get blob content type: %w", err)
	}
	return string(ct), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
