package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pddg/liveupdate/internal/errdefs"
)

var (
	recordsBucket = []byte("bundles")
	metaBucket    = []byte("meta")
)

type boltStore struct {
	db *bbolt.DB
}

// OpenBolt opens a bbolt backed catalog file.
func OpenBolt(path string) (Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog.OpenBolt: %w: %w", errdefs.ErrStorage, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog.OpenBolt: failed to create buckets: %w: %w", errdefs.ErrStorage, err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *boltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) Record(id string) ([]byte, error) {
	v := t.tx.Bucket(recordsBucket).Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("catalog.Tx.Record: %s: %w", id, errdefs.ErrNotFound)
	}
	// bbolt values are only valid for the life of the transaction.
	return bytes.Clone(v), nil
}

func (t *boltTx) ForEachRecord(fn func(id string, data []byte) error) error {
	return t.tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
		return fn(string(k), bytes.Clone(v))
	})
}

func (t *boltTx) PutRecord(id string, data []byte) error {
	if err := t.tx.Bucket(recordsBucket).Put([]byte(id), data); err != nil {
		return wrapBoltErr("PutRecord", err)
	}
	return nil
}

func (t *boltTx) DeleteRecord(id string) error {
	if err := t.tx.Bucket(recordsBucket).Delete([]byte(id)); err != nil {
		return wrapBoltErr("DeleteRecord", err)
	}
	return nil
}

func (t *boltTx) Meta(key string) (string, error) {
	return string(t.tx.Bucket(metaBucket).Get([]byte(key))), nil
}

func (t *boltTx) PutMeta(key, value string) error {
	if err := t.tx.Bucket(metaBucket).Put([]byte(key), []byte(value)); err != nil {
		return wrapBoltErr("PutMeta", err)
	}
	return nil
}

func (t *boltTx) DeleteMeta(key string) error {
	if err := t.tx.Bucket(metaBucket).Delete([]byte(key)); err != nil {
		return wrapBoltErr("DeleteMeta", err)
	}
	return nil
}

func wrapBoltErr(op string, err error) error {
	if errors.Is(err, bbolt.ErrTxNotWritable) {
		return fmt.Errorf("catalog.Tx.%s: read-only transaction: %w", op, err)
	}
	return fmt.Errorf("catalog.Tx.%s: %w: %w", op, errdefs.ErrStorage, err)
}
