package kv

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stratacms/strata/common"
)

const boltBucket = "strata_kv"

// BoltKV stores values in an embedded bbolt file, for single-node setups
// without Redis. TTLs are enforced lazily: expired entries are removed when
// read.
type BoltKV struct {
	db *bolt.DB
}

func NewBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, common.Internalf(err, "failed to open kv database %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, common.Internalf(err, "failed to create kv bucket")
	}
	return &BoltKV{db: db}, nil
}

// entries are "<8-byte big-endian expiry unixnano><value>"; zero expiry
// means no TTL.
func encodeEntry(value []byte, expires time.Time) []byte {
	entry := make([]byte, 8+len(value))
	if !expires.IsZero() {
		binary.BigEndian.PutUint64(entry, uint64(expires.UnixNano()))
	}
	copy(entry[8:], value)
	return entry
}

func decodeEntry(entry []byte, now time.Time) ([]byte, bool) {
	if len(entry) < 8 {
		return nil, false
	}
	expiry := binary.BigEndian.Uint64(entry)
	if expiry != 0 && now.UnixNano() > int64(expiry) {
		return nil, false
	}
	value := make([]byte, len(entry)-8)
	copy(value, entry[8:])
	return value, true
}

func (b *BoltKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expired bool
	err := b.db.View(func(tx *bolt.Tx) error {
		entry := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if entry == nil {
			return common.NotFound("key", key)
		}
		decoded, live := decodeEntry(entry, time.Now())
		if !live {
			expired = true
			return common.NotFound("key", key)
		}
		value = decoded
		return nil
	})
	if expired {
		// Best effort cleanup outside the read transaction.
		if derr := b.Delete(ctx, key); derr != nil {
			common.Logger.WithError(derr).WithField("key", key).Warn("expired kv entry cleanup failed")
		}
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *BoltKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), encodeEntry(value, expires))
	})
	if err != nil {
		return common.Internalf(err, "kv set %q failed", key)
	}
	return nil
}

func (b *BoltKV) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
	if err != nil {
		return common.Internalf(err, "kv delete %q failed", key)
	}
	return nil
}

func (b *BoltKV) Close() error { return b.db.Close() }
