package image

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/internal/lockorder"
)

type key struct {
	name string
	rid  uint16
}

// Registry is the global, process-wide image table. Per spec.md §5's
// lock hierarchy, imageListLock is always acquired before any
// individual image's lock, never the reverse.
type Registry struct {
	mu     sync.RWMutex
	images map[key]*Image
}

func NewRegistry() *Registry {
	return &Registry{images: make(map[key]*Image)}
}

// LoadAll scans basePath for "<name>.r<rid>" files and opens each as an
// Image, registering it under (name, rid). This is the in-scope half of
// what the out-of-scope CLI/config loader calls (spec.md §6): discovery
// globbing policy (which directories, which name patterns beyond the
// literal ".r<digits>" suffix) belongs to that external collaborator;
// this function only knows how to turn a candidate path into an Image.
func (r *Registry) LoadAll(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := ParseFileName(e.Name()); !ok {
			continue
		}
		path := filepath.Join(basePath, e.Name())
		img, err := Open(path)
		if err != nil {
			log.Warnf("[IMAGE] skipping %s: %v", path, err)
			continue
		}
		r.Put(img)
	}
	return nil
}

// Put registers img, replacing any previous entry with the same
// (name, rid).
func (r *Registry) Put(img *Image) {
	lockorder.Enter(lockorder.ImageListLock)
	defer lockorder.Exit(lockorder.ImageListLock)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[key{img.Name, img.Rid}] = img
}

// Get looks up an image by exact (name, rid).
func (r *Registry) Get(name string, rid uint16) (*Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[key{name, rid}]
	return img, ok
}

// GetLatest returns the highest-rid image registered under name, or
// (nil, false) if none exists. rid == 0 in a SELECT_IMAGE request means
// "any", which resolves to this.
func (r *Registry) GetLatest(name string) (*Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Image
	for k, img := range r.images {
		if k.name != name {
			continue
		}
		if best == nil || k.rid > best.Rid {
			best = img
		}
	}
	return best, best != nil
}

// Remove unlinks img from the registry. The Image itself is only
// destroyed once its refcount is also zero (spec.md §3 Lifecycles); the
// caller (pkg/diskguard) is responsible for checking Users() == 0 before
// calling Remove.
func (r *Registry) Remove(img *Image) {
	lockorder.Enter(lockorder.ImageListLock)
	defer lockorder.Exit(lockorder.ImageListLock)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.images, key{img.Name, img.Rid})
}

// LeastRecentlyUsedUnused returns the zero-refcount image with the
// oldest Atime across the whole registry, used by pkg/diskguard.
func (r *Registry) LeastRecentlyUsedUnused() (*Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidates []*Image
	for _, img := range r.images {
		if img.Users() == 0 {
			candidates = append(candidates, img)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Atime.Before(candidates[j].Atime)
	})
	return candidates[0], true
}

// All returns a snapshot of every registered image.
func (r *Registry) All() []*Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Image, 0, len(r.images))
	for _, img := range r.images {
		out = append(out, img)
	}
	return out
}
