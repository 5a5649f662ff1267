// Package image implements the image manifest registry:
// named Image manifests backed by chunkstore reference counts, so that
// replacing or deleting an image frees exactly the chunks no surviving
// image still points at.
package image

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/olimpiadi-informatica/pixie/pkg/chunkstore"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// Registry stores named Image manifests on top of a chunkstore.Store,
// guarded by a single mutex: the multiset-diff incref/decref dance in
// Put must never interleave with another Put or Delete on the same name.
type Registry struct {
	root  string
	store *chunkstore.Store
	log   hclog.Logger

	mu       sync.Mutex
	manifest map[string]wire.Image
}

// Summary is the listing shape returned by List: total
// size plus how many bytes would be reclaimed if the image were deleted
// right now (chunks referenced only by this image).
type Summary struct {
	Name        string
	TotalBytes  uint64
	Reclaimable uint64
}

// Open loads (or initializes) the image registry rooted at dir, storing
// manifests under <dir>/images/<name>.json.
func Open(dir string, store *chunkstore.Store, log hclog.Logger) (*Registry, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return nil, perrors.NewIOError("create image registry root", err)
	}
	r := &Registry{
		root:     dir,
		store:    store,
		log:      log.Named("image"),
		manifest: make(map[string]wire.Image),
	}
	if err := r.loadAll(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) manifestPath(name string) string {
	return filepath.Join(r.root, "images", name+".json")
}

func (r *Registry) loadAll() error {
	entries, err := os.ReadDir(filepath.Join(r.root, "images"))
	if err != nil {
		return perrors.NewIOError("list image manifests", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		img, err := r.readManifest(name)
		if err != nil {
			return err
		}
		r.manifest[name] = img
	}
	return nil
}

func (r *Registry) readManifest(name string) (wire.Image, error) {
	data, err := os.ReadFile(r.manifestPath(name))
	if err != nil {
		return wire.Image{}, perrors.NewIOError("read image manifest "+name, err)
	}
	var img wire.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return wire.Image{}, perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "corrupt manifest "+name+": "+err.Error())
	}
	return img, nil
}

func atomicWriteManifest(target string, img wire.Image) error {
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "marshal manifest: "+err.Error())
	}
	tmp := target + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perrors.NewIOError("write temp manifest", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return perrors.NewIOError("rename temp manifest", err)
	}
	return nil
}

// Get returns the manifest stored under name.
func (r *Registry) Get(name string) (wire.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.manifest[name]
	if !ok {
		return wire.Image{}, perrors.NewNotFoundError("image not found: " + name)
	}
	return img, nil
}

// List returns a Summary for every known image, sorted by name.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.manifest))
	for name, img := range r.manifest {
		out = append(out, Summary{
			Name:        name,
			TotalBytes:  img.TotalBytes(),
			Reclaimable: r.reclaimableLocked(name, img),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// reclaimableLocked sums the compressed size of every chunk in img whose
// reference count would drop to zero if img alone were deleted.
func (r *Registry) reclaimableLocked(name string, img wire.Image) uint64 {
	var total uint64
	for hash := range chunkMultiset(img) {
		if r.soleOwnerLocked(name, hash) {
			total += uint64(r.store.CSize(hash))
		}
	}
	return total
}

// soleOwnerLocked reports whether name is the only manifest referencing hash.
func (r *Registry) soleOwnerLocked(name string, hash wire.ChunkHash) bool {
	for other, img := range r.manifest {
		if other == name {
			continue
		}
		for _, c := range img.Disk {
			if c.Hash == hash {
				return false
			}
		}
	}
	return true
}

// chunkMultiset counts occurrences of each hash in an image's disk layout,
// since the same chunk can legitimately appear more than once per image
// (e.g. a zero-filled block repeated across the disk).
func chunkMultiset(img wire.Image) map[wire.ChunkHash]uint64 {
	m := make(map[wire.ChunkHash]uint64, len(img.Disk))
	for _, c := range img.Disk {
		m[c.Hash]++
	}
	return m
}

// Put stores img under name, replacing any previous manifest. Reference
// counts are adjusted as a multiset diff against the previous manifest
// (if any): every hash added by the new manifest is increffed BEFORE any
// hash dropped by the old one is decreffed, so a chunk common to both
// versions never transiently hits zero.
func (r *Registry) Put(name string, img wire.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	newSet := chunkMultiset(img)
	oldSet := map[wire.ChunkHash]uint64{}
	if old, ok := r.manifest[name]; ok {
		oldSet = chunkMultiset(old)
	}

	for hash, n := range newSet {
		add := n
		if old := oldSet[hash]; old > 0 {
			if old >= n {
				add = 0
			} else {
				add = n - old
			}
		}
		if add > 0 {
			if err := r.store.Incref(hash, add); err != nil {
				return err
			}
		}
	}

	if err := atomicWriteManifest(r.manifestPath(name), img); err != nil {
		return err
	}
	r.manifest[name] = img

	for hash, n := range oldSet {
		rem := n
		if cur := newSet[hash]; cur > 0 {
			if cur >= n {
				rem = 0
			} else {
				rem = n - cur
			}
		}
		if rem > 0 {
			if err := r.store.Decref(hash, rem); err != nil {
				return err
			}
		}
	}

	r.log.Info("image updated", "name", name, "chunks", len(img.Disk))
	return nil
}

// Delete removes name's manifest and decrefs every chunk it referenced.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, ok := r.manifest[name]
	if !ok {
		return perrors.NewNotFoundError("image not found: " + name)
	}

	if err := os.Remove(r.manifestPath(name)); err != nil && !os.IsNotExist(err) {
		return perrors.NewIOError("remove image manifest", err)
	}
	delete(r.manifest, name)

	for hash, n := range chunkMultiset(img) {
		if err := r.store.Decref(hash, n); err != nil {
			return err
		}
	}
	r.log.Info("image deleted", "name", name)
	return nil
}

// Rename moves a manifest from oldName to newName without touching any
// reference counts.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, ok := r.manifest[oldName]
	if !ok {
		return perrors.NewNotFoundError("image not found: " + oldName)
	}
	if _, exists := r.manifest[newName]; exists {
		return perrors.NewInvariantError(perrors.CodeIndexDiskMismatch, "image already exists: "+newName)
	}

	if err := atomicWriteManifest(r.manifestPath(newName), img); err != nil {
		return err
	}
	if err := os.Remove(r.manifestPath(oldName)); err != nil && !os.IsNotExist(err) {
		return perrors.NewIOError("remove old image manifest", err)
	}
	delete(r.manifest, oldName)
	r.manifest[newName] = img
	return nil
}
