// Package image implements the on-disk image file plus its companion
// CacheMap (.map) and CRCList (.crc) sidecars: load/create/validate, the
// block-granular presence bitmap, and the CRC-32 integrity list.
package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/internal/crc32block"
	"github.com/ln-tech/dnbd3/internal/lockorder"
)

var (
	ErrNotFound     = errors.New("image: not found")
	ErrInUse        = errors.New("image: still referenced")
	ErrInvalidRid   = errors.New("image: revision id out of range [1,65535]")
	ErrSizeMismatch = errors.New("image: size changed on disk")
)

const completenessCacheTTL = 5 * time.Second

// UplinkRef is the minimal surface Image needs from its uplink, kept as
// an interface here so pkg/image never imports pkg/uplink (which in turn
// imports pkg/image) — the lock hierarchy and package dependency graph
// both flow one way.
type UplinkRef interface {
	Shutdown()
}

// Meta is the small sidecar persisted to <image>.meta: bookkeeping the
// CacheMap/CRCList don't carry themselves. Supplements the distilled
// spec from original_source/src/server/image.c's image_getOrLoad, which
// keeps an equivalent last-use timestamp outside the bitmap file.
type Meta struct {
	LastUse time.Time
}

// Image is an immutable, versioned block device identified by
// (Name, Rid). Reads are served from Path; CacheMap is nil when the
// image is complete.
type Image struct {
	mu sync.Mutex

	Path            string
	Name            string
	Rid             uint16
	RealFileSize    int64
	VirtualFileSize int64

	CacheMap *CacheMap
	CRC      *CRCList

	file *os.File // lazily opened, may be closed to bound fd usage

	users   int
	Atime   time.Time
	Uplink  UplinkRef
	Working bool

	lastWorkCheck time.Time

	completenessEstimate       float64
	completenessEstimateExpiry time.Time
}

// RoundUpToBlock rounds n up to the next multiple of crc32block.BlockSize.
func RoundUpToBlock(n int64) int64 {
	rem := n % crc32block.BlockSize
	if rem == 0 {
		return n
	}
	return n + (crc32block.BlockSize - rem)
}

// paths returns the conventional sidecar paths for an image file.
func paths(imagePath string) (mapPath, crcPath, metaPath string) {
	return imagePath + ".map", imagePath + ".crc", imagePath + ".meta"
}

// FileName renders the on-disk name "<name>.r<rid>" for a logical image.
func FileName(basePath, name string, rid uint16) string {
	return filepath.Join(basePath, fmt.Sprintf("%s.r%d", name, rid))
}

// ParseFileName extracts (name, rid) from a "<name>.r<rid>" base name,
// as produced by a directory scan during LoadAll.
func ParseFileName(base string) (name string, rid uint16, ok bool) {
	idx := strings.LastIndex(base, ".r")
	if idx < 0 {
		return "", 0, false
	}
	ridPart := base[idx+2:]
	n, err := strconv.ParseUint(ridPart, 10, 16)
	if err != nil || n == 0 {
		return "", 0, false
	}
	return base[:idx], uint16(n), true
}

// Open loads an existing image file plus its sidecars. A missing .map
// file means the image is complete (CacheMap == nil); a missing .crc
// file means no integrity list is available yet.
func Open(path string) (*Image, error) {
	name, rid, ok := ParseFileName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("image: %s does not match <name>.r<rid>", path)
	}
	if rid == 0 {
		return nil, ErrInvalidRid
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	img := &Image{
		Path:            path,
		Name:            name,
		Rid:             rid,
		RealFileSize:    fi.Size(),
		VirtualFileSize: RoundUpToBlock(fi.Size()),
		file:            f,
		Atime:           time.Now(),
	}

	mapPath, crcPath, metaPath := paths(path)
	numBlocks := int((img.VirtualFileSize + crc32block.BlockSize - 1) / crc32block.BlockSize)
	cm, err := LoadCacheMap(mapPath, numBlocks)
	switch {
	case err == nil:
		img.CacheMap = cm
	case os.IsNotExist(err):
		// Complete image: no map.
	default:
		f.Close()
		return nil, err
	}

	if crcList, err := LoadCRCList(crcPath); err == nil {
		img.CRC = crcList
	} else if !os.IsNotExist(err) {
		log.Warnf("[IMAGE] %s: crc list unreadable: %v", path, err)
	}

	if meta, err := loadMeta(metaPath); err == nil {
		img.Atime = meta.LastUse
	}

	return img, nil
}

// Create allocates a brand-new image file of the given real size (the
// logical size requested; the file is extended to the next 4 KiB
// boundary) and an all-zero CacheMap, i.e. a fresh proxy-side cache
// placeholder for an image that will be filled in on demand by an
// Uplink.
func Create(path string, name string, rid uint16, realSize int64) (*Image, error) {
	if rid == 0 {
		return nil, ErrInvalidRid
	}
	virtualSize := RoundUpToBlock(realSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(virtualSize); err != nil {
		f.Close()
		return nil, err
	}
	numBlocks := int(virtualSize / crc32block.BlockSize)
	img := &Image{
		Path:            path,
		Name:            name,
		Rid:             rid,
		RealFileSize:    realSize,
		VirtualFileSize: virtualSize,
		CacheMap:        NewCacheMap(numBlocks),
		file:            f,
		Atime:           time.Now(),
	}
	mapPath, _, _ := paths(path)
	if err := img.CacheMap.Save(mapPath); err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func loadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return Meta{}, err
	}
	return Meta{LastUse: time.Unix(unix, 0)}, nil
}

// SaveMeta persists the image's Atime to its .meta sidecar.
func (img *Image) SaveMeta() error {
	_, _, metaPath := paths(img.Path)
	return os.WriteFile(metaPath, []byte(strconv.FormatInt(img.Atime.Unix(), 10)), 0644)
}

// Acquire increments the reference count; pairs with Release.
func (img *Image) Acquire() {
	img.mu.Lock()
	img.users++
	img.Atime = time.Now()
	img.mu.Unlock()
}

// Release decrements the reference count and reports whether it reached
// zero (the caller may then consider eviction/closing resources).
func (img *Image) Release() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.users > 0 {
		img.users--
	}
	return img.users == 0
}

// Users reports the current reference count.
func (img *Image) Users() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.users
}

// Complete reports whether the image has no outstanding missing blocks.
// CacheMap == nil is definitionally complete (spec.md §3 invariant:
// "cache_map == null iff image complete").
func (img *Image) Complete() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.CacheMap == nil
}

// MarkComplete drops the CacheMap and deletes its sidecar once every
// block is present in the cache (spec.md §4.4 "Completion and
// integrity"), and detaches and shuts down the image's Uplink, if any.
// It does not wait for pending integrity checks.
func (img *Image) MarkComplete() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.CacheMap == nil {
		return nil
	}
	img.CacheMap = nil
	mapPath, _, _ := paths(img.Path)
	if err := os.Remove(mapPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if img.Uplink != nil {
		// The Uplink's own event loop is the caller, and Shutdown waits
		// for that loop to exit, so it runs on a goroutine of its own.
		go img.Uplink.Shutdown()
		img.Uplink = nil
	}
	return nil
}

// EnsureUplink returns img's current Uplink, lazily creating one via
// factory (invoked under img's lock, so concurrent callers never race
// to create two Uplinks for the same image) if none exists yet. Returns
// nil for an already-Complete image, which never needs one.
func (img *Image) EnsureUplink(factory func() UplinkRef) UplinkRef {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.CacheMap == nil {
		return nil
	}
	if img.Uplink == nil {
		img.Uplink = factory()
	}
	return img.Uplink
}

// CompletenessEstimate returns the fraction (0..1) of blocks present,
// caching the computation for completenessCacheTTL since scanning the
// whole bitmap on every status query would be wasteful.
func (img *Image) CompletenessEstimate(now time.Time) float64 {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.CacheMap == nil {
		return 1.0
	}
	if now.Before(img.completenessEstimateExpiry) {
		return img.completenessEstimate
	}
	present := 0
	total := img.CacheMap.NumBlocks()
	for i := 0; i < total; i++ {
		if img.CacheMap.Test(i) {
			present++
		}
	}
	if total > 0 {
		img.completenessEstimate = float64(present) / float64(total)
	} else {
		img.completenessEstimate = 1.0
	}
	img.completenessEstimateExpiry = now.Add(completenessCacheTTL)
	return img.completenessEstimate
}

// File returns the backing *os.File, lazily reopening it if CloseFD
// closed it.
func (img *Image) File() (*os.File, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.file != nil {
		return img.file, nil
	}
	f, err := os.OpenFile(img.Path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	img.file = f
	return f, nil
}

// CloseFD lazily closes the backing file descriptor; File() will
// transparently reopen it on next use.
func (img *Image) CloseFD() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.file == nil {
		return nil
	}
	err := img.file.Close()
	img.file = nil
	return err
}

// WriteAt persists received upstream payload into the cache file and
// marks the covering CacheMap bits. Writes are block-aligned by the
// caller (the Uplink), so concurrent readers never observe a torn
// write (spec.md §5 "Shared resources").
func (img *Image) WriteAt(data []byte, offset int64) error {
	f, err := img.File()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	lockorder.Enter(lockorder.ImageLock)
	img.mu.Lock()
	if img.CacheMap != nil {
		img.CacheMap.SetRange(offset, offset+int64(len(data)))
	}
	img.mu.Unlock()
	lockorder.Exit(lockorder.ImageLock)
	return nil
}

// SaveCacheMap persists the current bitmap to its .map sidecar.
func (img *Image) SaveCacheMap() error {
	img.mu.Lock()
	cm := img.CacheMap
	img.mu.Unlock()
	if cm == nil {
		return nil
	}
	mapPath, _, _ := paths(img.Path)
	return cm.Save(mapPath)
}

// Remove deletes the image file and every sidecar. Callers must ensure
// Users() == 0 first (pkg/diskguard enforces this).
func (img *Image) Remove() error {
	img.CloseFD()
	mapPath, crcPath, metaPath := paths(img.Path)
	var firstErr error
	for _, p := range []string{img.Path, mapPath, crcPath, metaPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
