package chunkstore

import (
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// indexFile is the on-disk shape of chunks.json: a flat list rather than
// a map, since JSON object keys must be strings and hex is friendlier to
// read by hand than relying on encoding/json's map key stringification.
type indexFile struct {
	Entries []indexEntry `json:"entries"`
}

type indexEntry struct {
	Hash   string `json:"hash"`
	RefCnt uint64 `json:"ref_cnt"`
	CSize  uint32 `json:"csize"`
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return perrors.NewIOError("read chunks.json", err)
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "corrupt chunks.json: "+err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range idx.Entries {
		raw, err := hex.DecodeString(e.Hash)
		if err != nil || len(raw) != len(wire.ChunkHash{}) {
			return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "malformed hash in chunks.json: "+e.Hash)
		}
		var hash wire.ChunkHash
		copy(hash[:], raw)
		s.index[hash] = &entry{RefCnt: e.RefCnt, CSize: e.CSize}
	}
	return nil
}

// persistIndexLocked writes chunks.json atomically. Callers must hold s.mu.
func (s *Store) persistIndexLocked() error {
	idx := indexFile{Entries: make([]indexEntry, 0, len(s.index))}
	for hash, e := range s.index {
		idx.Entries = append(idx.Entries, indexEntry{
			Hash:   hex.EncodeToString(hash[:]),
			RefCnt: e.RefCnt,
			CSize:  e.CSize,
		})
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "marshal chunks.json: "+err.Error())
	}
	return atomicWrite(s.indexPath(), data)
}
