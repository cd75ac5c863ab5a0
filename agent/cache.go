package main

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"collabcanvas/protocol"
)

var snapshotBucket = []byte("snapshots")

// cachedSnapshot is the replica state the agent keeps across restarts: the
// register dump plus the last acknowledged stream version, so it can
// resume with an incremental sync instead of a full snapshot.
type cachedSnapshot struct {
	Version int64                `msgpack:"version"`
	Ops     []protocol.Operation `msgpack:"ops"`
}

// snapshotCache is a bbolt-backed store of one snapshot per project.
type snapshotCache struct {
	db *bolt.DB
}

func openSnapshotCache(path string) (*snapshotCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &snapshotCache{db: db}, nil
}

func (c *snapshotCache) load(project string) (*cachedSnapshot, error) {
	var snap *cachedSnapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(snapshotBucket).Get([]byte(project))
		if data == nil {
			return nil
		}
		var s cachedSnapshot
		if err := msgpack.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode cached snapshot: %w", err)
		}
		snap = &s
		return nil
	})
	return snap, err
}

func (c *snapshotCache) save(project string, snap cachedSnapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(project), data)
	})
}

func (c *snapshotCache) Close() error {
	return c.db.Close()
}
