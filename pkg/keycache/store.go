// Package keycache persists issued leaf certificates in a bbolt file so they
// survive restarts.
package keycache

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	CERTBUCKET    = "MITMCERT"
	CERTKEYBUCKET = "MITMCERTKEY"
)

var ErrNotFound = errors.New("keycache: not found")

type CertCache struct {
	Db *bolt.DB
}

func NewCertCache(cachepath string) (*CertCache, error) {
	db, err := bolt.Open(cachepath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{CERTBUCKET, CERTKEYBUCKET} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &CertCache{Db: db}, nil
}

// Get returns the DER leaf and PKCS8 key stored for host.
func (c *CertCache) Get(host string) (cert, key []byte, err error) {
	err = c.Db.View(func(tx *bolt.Tx) error {
		cb := tx.Bucket([]byte(CERTBUCKET)).Get([]byte(host))
		kb := tx.Bucket([]byte(CERTKEYBUCKET)).Get([]byte(host))
		if cb == nil || kb == nil {
			return ErrNotFound
		}
		// bbolt values are only valid inside the transaction
		cert = append([]byte(nil), cb...)
		key = append([]byte(nil), kb...)
		return nil
	})
	return cert, key, err
}

func (c *CertCache) Put(host string, cert, key []byte) error {
	return c.Db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(CERTBUCKET)).Put([]byte(host), cert); err != nil {
			return err
		}
		return tx.Bucket([]byte(CERTKEYBUCKET)).Put([]byte(host), key)
	})
}

func (c *CertCache) Delete(host string) error {
	return c.Db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(CERTBUCKET)).Delete([]byte(host)); err != nil {
			return err
		}
		return tx.Bucket([]byte(CERTKEYBUCKET)).Delete([]byte(host))
	})
}

// Clear drops every stored leaf.
func (c *CertCache) Clear() error {
	return c.Db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{CERTBUCKET, CERTKEYBUCKET} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len is the number of hosts stored.
func (c *CertCache) Len() (n int) {
	c.Db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(CERTBUCKET)).Stats().KeyN
		return nil
	})
	return n
}

func (c *CertCache) Close() error {
	return c.Db.Close()
}
