// Package store provides the per-scan fingerprint store: a disk-backed
// table of FolderInfo records, keyed by relative path, written once by
// the aggregator and read randomly afterward by the grouper, the
// deletion planner, and the diff projector.
//
// It reuses the BoltDB idiom from internal/fpcache but without the
// self-cleaning generation swap: a scan's store is write-once, then
// read-many, then discarded with the scan.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/folderdedup/internal/types"
)

var (
	bucketName       = []byte("folders")
	groupsBucketName = []byte("groups")
	groupsKey        = []byte("groups")
	plansBucketName  = []byte("plans")
)

// Store is a per-scan key-value table of FolderInfo records.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens the store file at path, creating it if absent. Records
// already in an existing file are kept, which is what lets a later
// process reopen a finished scan's store. Callers that want an
// ephemeral store pass a temp-file path and use Remove.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketName); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(groupsBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(plansBucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database. It does not delete the file;
// callers that want an ephemeral store should remove path themselves.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remove closes the store and deletes its backing file.
func (s *Store) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// Put writes (or overwrites) the FolderInfo for fi.RelativePath.
func (s *Store) Put(fi *types.FolderInfo) error {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(fi); err != nil {
		return fmt.Errorf("encode folder info: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(fi.RelativePath), buf.Bytes())
	})
}

// Get retrieves the FolderInfo for relPath, or (nil, nil) if absent.
func (s *Store) Get(relPath string) (*types.FolderInfo, error) {
	var fi *types.FolderInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(relPath))
		if data == nil {
			return nil
		}
		fi = &types.FolderInfo{}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(fi)
	})
	if err != nil {
		return nil, fmt.Errorf("decode folder info for %q: %w", relPath, err)
	}
	return fi, nil
}

// All streams every stored FolderInfo to fn in key order (lexical, by
// relative path), stopping early if fn returns false.
func (s *Store) All(fn func(*types.FolderInfo) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			fi := &types.FolderInfo{}
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(fi); err != nil {
				return fmt.Errorf("decode folder info for %q: %w", k, err)
			}
			if !fn(fi) {
				break
			}
		}
		return nil
	})
}

// Count returns the number of stored folder records.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// PutGroups persists the scan's similarity groups alongside the folder
// index, so a later process (the CLI's plan/confirm/diff subcommands)
// can reopen a finished scan's store without recomputing groups.
func (s *Store) PutGroups(groups []*types.GroupInfo) error {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(groups); err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucketName).Put(groupsKey, buf.Bytes())
	})
}

// GetGroups retrieves the groups persisted by PutGroups, or nil if none
// were ever written (an ephemeral or in-progress store).
func (s *Store) GetGroups() ([]*types.GroupInfo, error) {
	var groups []*types.GroupInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(groupsBucketName).Get(groupsKey)
		if data == nil {
			return nil
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&groups)
	})
	if err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return groups, nil
}

// PutPlan persists a deletion plan so that a later, independent process
// (the CLI's `confirm` invocation) can look it up by PlanID after the
// process that created it has exited.
func (s *Store) PutPlan(plan *types.DeletionPlan) error {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(plan); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(plansBucketName).Put([]byte(plan.PlanID), buf.Bytes())
	})
}

// GetPlan retrieves the plan stored under planID, or (nil, nil) if absent.
func (s *Store) GetPlan(planID string) (*types.DeletionPlan, error) {
	var plan *types.DeletionPlan
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(plansBucketName).Get([]byte(planID))
		if data == nil {
			return nil
		}
		plan = &types.DeletionPlan{}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(plan)
	})
	if err != nil {
		return nil, fmt.Errorf("decode plan %q: %w", planID, err)
	}
	return plan, nil
}
