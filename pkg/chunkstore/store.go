// Package chunkstore implements the deduplicated, reference-counted,
// content-addressed blob store backing images. Readers hold a lock only
// for the index lookup: blob files are immutable once written, and the
// in-memory index uses an RWMutex so Get runs concurrently with Get while
// Put/incref/decref/gc serialize against each other.
package chunkstore

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pierrec/lz4/v4"

	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// entry is the in-memory bookkeeping for one stored chunk.
type entry struct {
	RefCnt uint64 `json:"ref_cnt"`
	CSize  uint32 `json:"csize"`
}

// Store is the on-disk, content-addressed chunk store rooted at a single
// directory:
//
//	<root>/chunks/<hex-hash>
//	<root>/chunks.json
type Store struct {
	root string
	log  hclog.Logger

	mu    sync.RWMutex
	index map[wire.ChunkHash]*entry
}

// Open loads (or initializes) the chunk store rooted at dir.
func Open(dir string, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return nil, perrors.NewIOError("create chunk store root", err)
	}
	s := &Store{
		root:  dir,
		log:   log.Named("chunkstore"),
		index: make(map[wire.ChunkHash]*entry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) blobPath(hash wire.ChunkHash) string {
	return filepath.Join(s.root, "chunks", hex.EncodeToString(hash[:]))
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "chunks.json")
}

// atomicWrite writes data to target via a temp-file-then-rename, so a
// crash mid-write never leaves a torn blob or index behind.
func atomicWrite(target string, data []byte) error {
	tmp := target + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perrors.NewIOError("write temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return perrors.NewIOError("rename temp file", err)
	}
	return nil
}

// Has reports whether hash is present with a positive reference count.
func (s *Store) Has(hash wire.ChunkHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[hash]
	return ok && e.RefCnt > 0
}

// CSize returns the stored compressed size for hash, or 0 if unknown,
// which is exactly what GetChunkSize reports on the wire.
func (s *Store) CSize(hash wire.ChunkHash) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.index[hash]; ok {
		return e.CSize
	}
	return 0
}

// Put stores compressed (already LZ4-compressed) bytes under hash.
// Idempotent: if hash is already known, the existing csize is returned
// without rewriting the blob.
func (s *Store) Put(hash wire.ChunkHash, compressed []byte) (uint32, error) {
	s.mu.Lock()
	if e, ok := s.index[hash]; ok {
		csize := e.CSize
		s.mu.Unlock()
		return csize, nil
	}
	s.mu.Unlock()

	if err := atomicWrite(s.blobPath(hash), compressed); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: another writer may have raced us between unlock and here.
	if e, ok := s.index[hash]; ok {
		return e.CSize, nil
	}
	s.index[hash] = &entry{RefCnt: 0, CSize: uint32(len(compressed))}
	if err := s.persistIndexLocked(); err != nil {
		return 0, err
	}
	return uint32(len(compressed)), nil
}

// Get returns the decompressed bytes for hash.
func (s *Store) Get(hash wire.ChunkHash) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.index[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, perrors.NewNotFoundError("chunk not found: " + hex.EncodeToString(hash[:]))
	}

	compressed, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perrors.NewInvariantError(perrors.CodeIndexDiskMismatch,
				"chunk present in index but missing on disk: "+hex.EncodeToString(hash[:]))
		}
		return nil, perrors.NewIOError("read chunk blob", err)
	}

	r := lz4.NewReader(bytes.NewReader(compressed))
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, perrors.NewIOError("decompress chunk", err)
	}
	return data, nil
}

// Incref increases the reference count for hash by n.
func (s *Store) Incref(hash wire.ChunkHash, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[hash]
	if !ok {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch,
			"incref of unknown chunk: "+hex.EncodeToString(hash[:]))
	}
	e.RefCnt += n
	return s.persistIndexLocked()
}

// Decref decreases the reference count for hash by n. Dropping below
// zero is a fatal invariant violation: the caller is
// expected to abort the process, never silently clamp to zero.
func (s *Store) Decref(hash wire.ChunkHash, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[hash]
	if !ok {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch,
			"decref of unknown chunk: "+hex.EncodeToString(hash[:]))
	}
	if n > e.RefCnt {
		return perrors.NewInvariantError(perrors.CodeRefcountUnderflow,
			"decref below zero for "+hex.EncodeToString(hash[:]))
	}
	e.RefCnt -= n
	return s.persistIndexLocked()
}

// RefCnt returns the current reference count for hash.
func (s *Store) RefCnt(hash wire.ChunkHash) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.index[hash]; ok {
		return e.RefCnt
	}
	return 0
}

// GC removes every entry with ref_cnt == 0 from the index and the
// filesystem, and returns the number of bytes reclaimed.
func (s *Store) GC() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed uint64
	for hash, e := range s.index {
		if e.RefCnt != 0 {
			continue
		}
		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			return reclaimed, perrors.NewIOError("remove garbage chunk", err)
		}
		reclaimed += uint64(e.CSize)
		delete(s.index, hash)
	}
	if err := s.persistIndexLocked(); err != nil {
		return reclaimed, err
	}
	s.log.Info("gc complete", "reclaimed_bytes", reclaimed)
	return reclaimed, nil
}
