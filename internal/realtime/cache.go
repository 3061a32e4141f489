package realtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"marginalia/internal/textdoc"
)

// ReplicaCache keeps a local copy of a document's ops so a replica can show
// content before the relay answers.
type ReplicaCache interface {
	Load(ctx context.Context, documentID string) (textdoc.Update, error)
	Append(ctx context.Context, documentID string, u textdoc.Update) error
	Compact(ctx context.Context, documentID string, full textdoc.Update) error
}

var ErrCacheClosed = errors.New("replica cache is closed")

// BoltCache stores one bucket per document, keyed by an increasing sequence.
type BoltCache struct {
	db *bbolt.DB
}

func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open replica cache: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func bucketName(documentID string) []byte {
	return []byte("doc:" + documentID)
}

func (c *BoltCache) Load(_ context.Context, documentID string) (textdoc.Update, error) {
	if c.db == nil {
		return textdoc.Update{}, ErrCacheClosed
	}
	var merged textdoc.Update
	err := c.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(documentID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			u, err := textdoc.DecodeUpdate(value)
			if err != nil {
				return err
			}
			merged.Ops = append(merged.Ops, u.Ops...)
			return nil
		})
	})
	if err != nil {
		return textdoc.Update{}, fmt.Errorf("load replica %s: %w", documentID, err)
	}
	return merged, nil
}

func (c *BoltCache) Append(_ context.Context, documentID string, u textdoc.Update) error {
	if c.db == nil {
		return ErrCacheClosed
	}
	if u.Empty() {
		return nil
	}
	data, err := textdoc.EncodeUpdate(u)
	if err != nil {
		return err
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(documentID))
		if err != nil {
			return err
		}
		return putNext(bucket, data)
	})
	if err != nil {
		return fmt.Errorf("append replica %s: %w", documentID, err)
	}
	return nil
}

// Compact replaces the stored entries of documentID with full.
func (c *BoltCache) Compact(_ context.Context, documentID string, full textdoc.Update) error {
	if c.db == nil {
		return ErrCacheClosed
	}
	data, err := textdoc.EncodeUpdate(full)
	if err != nil {
		return err
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		name := bucketName(documentID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		bucket, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		return putNext(bucket, data)
	})
	if err != nil {
		return fmt.Errorf("compact replica %s: %w", documentID, err)
	}
	return nil
}

func putNext(bucket *bbolt.Bucket, data []byte) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, data)
}
