package storage

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("objects")

// BoltStore keeps all keys in a single bbolt file. It is the default local
// store: one file to back up, transactional writes, no directory fan-out to
// maintain.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(pathname string) (*BoltStore, error) {
	db, err := bolt.Open(pathname, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", pathname)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "create bucket in %q", pathname)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(k Key) (Value, error) {
	var v Value
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket).Get([]byte(k))
		if b == nil {
			return errors.Wrapf(ErrNotFound, "%q", k)
		}
		v = make(Value, len(b))
		copy(v, b)
		return nil
	})
	return v, err
}

func (s *BoltStore) Put(k Key, v Value) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(k), v)
	})
}

func (s *BoltStore) Delete(k Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(boltBucket).Get([]byte(k)) == nil {
			return errors.Wrapf(ErrNotFound, "could not delete %v", k)
		}
		return tx.Bucket(boltBucket).Delete([]byte(k))
	})
}

func (s *BoltStore) Contains(k Key) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(boltBucket).Get([]byte(k)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) ForEach(cb func(Key) error) error {
	var kk []Key
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, _ []byte) error {
			kk = append(kk, Key(k))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, k := range kk {
		if err := cb(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
