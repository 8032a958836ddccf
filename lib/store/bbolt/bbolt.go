package bbolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antimoltbook/verifier/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
	ErrNotExists          = errors.New("bbolt: value does not exist in store")
)

var (
	dataKey   = []byte("data")
	expiryKey = []byte("expiry")
)

// Store implements store.Interface backed by bbolt[1].
//
// Every value gets its own top-level bucket holding two keys:
//
// 1. data - The raw data, usually JSON
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// Keeping the expiry in its own key lets cleanup scan expiry times without
// decoding records. Claims run inside a single read-write transaction, which
// bbolt serializes, so they are atomic within one process.
//
// bbolt only allows one process to open a database file. Replicated
// deployments should use the valkey backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb          *bbolt.DB
	cleanupEvery time.Duration
}

func expiryOf(bkt *bbolt.Bucket, key string) (time.Time, error) {
	expiryStr := bkt.Get(expiryKey)
	if expiryStr == nil {
		return time.Time{}, fmt.Errorf("[unexpected] %w: %q (expiry is nil)", store.ErrNotFound, key)
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return time.Time{}, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	return expiry, nil
}

func put(tx *bbolt.Tx, key string, value []byte, expires time.Time) error {
	valueBkt, err := tx.CreateBucketIfNotExists([]byte(key))
	if err != nil {
		return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
	}

	if err := valueBkt.Put(expiryKey, []byte(expires.Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
	}

	if err := valueBkt.Put(dataKey, value); err != nil {
		return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
	}

	return nil
}

// Claim writes value under key unless an unexpired value is already there.
// Expired leftovers are replaced in the same transaction.
func (s *Store) Claim(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if bkt := tx.Bucket([]byte(key)); bkt != nil {
			exp, err := expiryOf(bkt, key)
			if err == nil && !now.After(exp) {
				return fmt.Errorf("%w: %q", store.ErrExists, key)
			}

			if err := tx.DeleteBucket([]byte(key)); err != nil {
				return fmt.Errorf("%w: %w: %q (replace expired)", store.ErrCantEncode, err, key)
			}
		}

		return put(tx, key, value, now.Add(expiry))
	})
}

// Delete a key from the datastore. If the key does not exist, return an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(key)) == nil {
			return fmt.Errorf("%w: %w: %q", store.ErrNotFound, ErrNotExists, key)
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// Get a value from the datastore. Expired values are reported as missing and
// deleted in the background.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		if itemBucket == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		expiry, err := expiryOf(itemBucket, key)
		if err != nil {
			return err
		}

		if time.Now().After(expiry) {
			go s.Delete(context.Background(), key)
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		data := itemBucket.Get(dataKey)
		if data == nil {
			return fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
		}

		// bbolt memory is only valid for the life of the transaction
		result = append([]byte(nil), data...)
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	expires := time.Now().Add(expiry)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		return put(tx, key, value, expires)
	})
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte

		if err := tx.ForEach(func(key []byte, valueBkt *bbolt.Bucket) error {
			expiry, err := expiryOf(valueBkt, string(key))
			if err != nil {
				slog.Warn("skipping bucket with unreadable expiry during cleanup", "key", string(key), "err", err)
				return nil
			}

			if now.After(expiry) {
				expired = append(expired, append([]byte(nil), key...))
			}

			return nil
		}); err != nil {
			return err
		}

		for _, key := range expired {
			if err := tx.DeleteBucket(key); err != nil {
				return fmt.Errorf("can't delete expired bucket %q: %w", string(key), err)
			}
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(s.cleanupEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("can't close bbolt database", "err", err)
			}
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
