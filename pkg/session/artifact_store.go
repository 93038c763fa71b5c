package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Storage key prefixes. Artifact metadata lives under "recording_<id>" and
// the container bytes under a parallel blob key, so listings never load
// blobs.
const (
	artifactKeyPrefix = "recording_"
	blobKeyPrefix     = "recording_blob_"
)

// ArtifactStore persists recording artifacts. Implementations must be safe
// for concurrent use. Failures are reported as STORAGE_ERROR so callers can
// fall back to in-memory retention.
type ArtifactStore interface {
	// Put stores the artifact and its blob under "recording_<id>".
	Put(ctx context.Context, artifact *RecordingArtifact) error

	// Get loads one artifact including its blob.
	Get(ctx context.Context, id string) (*RecordingArtifact, error)

	// List returns artifact metadata ordered by creation time, newest
	// first. Blobs are not loaded.
	List(ctx context.Context) ([]*RecordingArtifact, error)

	// Delete removes an artifact and its blob.
	Delete(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}

func artifactKey(id string) []byte { return []byte(artifactKeyPrefix + id) }
func blobKey(id string) []byte     { return []byte(blobKeyPrefix + id) }

// BadgerArtifactStore keeps artifacts in an embedded Badger database, the
// durable default for local recordings.
type BadgerArtifactStore struct {
	db *badger.DB
}

// OpenBadgerArtifactStore opens or creates the database directory at path.
func OpenBadgerArtifactStore(path string) (*BadgerArtifactStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageError(fmt.Sprintf("open badger at %s: %v", path, err))
	}
	return &BadgerArtifactStore{db: db}, nil
}

func (s *BadgerArtifactStore) Put(ctx context.Context, artifact *RecordingArtifact) error {
	if artifact == nil || artifact.ID == "" {
		return storageError("artifact missing id")
	}
	meta := *artifact
	meta.SizeBytes = int64(len(artifact.Blob))
	buf, err := graphJSON.Marshal(&meta)
	if err != nil {
		return storageError(fmt.Sprintf("encode artifact %s: %v", artifact.ID, err))
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(artifactKey(artifact.ID), buf); err != nil {
			return err
		}
		return txn.Set(blobKey(artifact.ID), artifact.Blob)
	})
	if err != nil {
		return storageError(fmt.Sprintf("store artifact %s: %v", artifact.ID, err))
	}
	return nil
}

func (s *BadgerArtifactStore) Get(ctx context.Context, id string) (*RecordingArtifact, error) {
	var out RecordingArtifact
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return graphJSON.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		blobItem, err := txn.Get(blobKey(id))
		if err != nil {
			return err
		}
		out.Blob, err = blobItem.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrArtifactNotFound
		}
		return nil, storageError(fmt.Sprintf("load artifact %s: %v", id, err))
	}
	return &out, nil
}

func (s *BadgerArtifactStore) List(ctx context.Context) ([]*RecordingArtifact, error) {
	prefix := []byte(artifactKeyPrefix)
	var list []*RecordingArtifact
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if strings.HasPrefix(string(it.Item().Key()), blobKeyPrefix) {
				continue
			}
			var rec RecordingArtifact
			if err := it.Item().Value(func(val []byte) error {
				return graphJSON.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			list = append(list, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(fmt.Sprintf("list artifacts: %v", err))
	}
	sortArtifacts(list)
	return list, nil
}

func (s *BadgerArtifactStore) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(artifactKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(artifactKey(id)); err != nil {
			return err
		}
		return txn.Delete(blobKey(id))
	})
	if err == badger.ErrKeyNotFound {
		return ErrArtifactNotFound
	}
	if err != nil {
		return storageError(fmt.Sprintf("delete artifact %s: %v", id, err))
	}
	return nil
}

func (s *BadgerArtifactStore) Close() error { return s.db.Close() }

// DB exposes the underlying database so other stores (settings) can share
// the single open handle Badger allows per directory.
func (s *BadgerArtifactStore) DB() *badger.DB { return s.db }

// MemoryArtifactStore keeps artifacts in process memory. It is the fallback
// when durable storage cannot be opened or a write fails mid-session, so a
// finished recording is never discarded outright.
type MemoryArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]*RecordingArtifact
}

// NewMemoryArtifactStore creates an empty in-memory store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{artifacts: make(map[string]*RecordingArtifact)}
}

func (s *MemoryArtifactStore) Put(ctx context.Context, artifact *RecordingArtifact) error {
	if artifact == nil || artifact.ID == "" {
		return storageError("artifact missing id")
	}
	stored := *artifact
	stored.SizeBytes = int64(len(artifact.Blob))
	stored.Blob = append([]byte(nil), artifact.Blob...)
	s.mu.Lock()
	s.artifacts[artifact.ID] = &stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryArtifactStore) Get(ctx context.Context, id string) (*RecordingArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	out := *artifact
	out.Blob = append([]byte(nil), artifact.Blob...)
	return &out, nil
}

func (s *MemoryArtifactStore) List(ctx context.Context) ([]*RecordingArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*RecordingArtifact, 0, len(s.artifacts))
	for _, artifact := range s.artifacts {
		meta := *artifact
		meta.Blob = nil
		list = append(list, &meta)
	}
	sortArtifacts(list)
	return list, nil
}

func (s *MemoryArtifactStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return ErrArtifactNotFound
	}
	delete(s.artifacts, id)
	return nil
}

func (s *MemoryArtifactStore) Close() error { return nil }

func sortArtifacts(list []*RecordingArtifact) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// Interface compliance checks.
var (
	_ ArtifactStore = (*BadgerArtifactStore)(nil)
	_ ArtifactStore = (*MemoryArtifactStore)(nil)
)
