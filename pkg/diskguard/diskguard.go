// Package diskguard reclaims disk space on the image base path by
// evicting the least-recently-used, zero-refcount cached images.
package diskguard

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ln-tech/dnbd3/pkg/image"
)

// MaxEvictIterations bounds a single EnsureDiskSpace call so a runaway
// free-space shortfall can't loop forever.
const MaxEvictIterations = 20

// FreshStartupGuard protects a just-restarted server from immediately
// evicting its cache before it has had a chance to warm back up.
const FreshStartupGuard = 10 * time.Hour

// RecentTouchGuard refuses to evict anything accessed this recently,
// unless SparseFiles is set (nothing is actually reclaimed by deleting
// a sparse placeholder) or the caller forces the issue.
const RecentTouchGuard = 24 * time.Hour

// Guard ties a free-space policy to an image registry.
type Guard struct {
	Registry    *image.Registry
	BasePath    string
	StartedAt   time.Time
	SparseFiles bool
}

// New creates a Guard that reports its own start time as now.
func New(reg *image.Registry, basePath string, sparseFiles bool) *Guard {
	return &Guard{Registry: reg, BasePath: basePath, StartedAt: now(), SparseFiles: sparseFiles}
}

var now = time.Now

// FreeBytes reports free space on the filesystem backing BasePath.
func (g *Guard) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(g.BasePath, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// EnsureDiskSpace tries to make at least bytes of free space available,
// evicting least-recently-used zero-refcount images as needed. It
// returns true once the free-space target is met (including if it was
// already met), or false if it ran out of evictable images or hit
// MaxEvictIterations first.
func (g *Guard) EnsureDiskSpace(bytes int64, force bool) bool {
	for i := 0; i < MaxEvictIterations; i++ {
		free, err := g.FreeBytes()
		if err != nil {
			log.Errorf("[DISKGUARD] statfs %s: %v", g.BasePath, err)
			return false
		}
		if free >= uint64(bytes) {
			return true
		}

		if !force && now().Sub(g.StartedAt) < FreshStartupGuard {
			log.Debugf("[DISKGUARD] refusing eviction, server up < %s", FreshStartupGuard)
			return false
		}

		victim, ok := g.Registry.LeastRecentlyUsedUnused()
		if !ok {
			log.Warnf("[DISKGUARD] no evictable image left, still short of %d bytes free", bytes)
			return false
		}

		if !force && !g.SparseFiles && now().Sub(victim.Atime) < RecentTouchGuard {
			log.Debugf("[DISKGUARD] refusing eviction of %s, touched within %s", victim.Path, RecentTouchGuard)
			return false
		}

		log.Infof("[DISKGUARD] evicting %s (rid %d) to reclaim space", victim.Name, victim.Rid)
		if err := victim.Remove(); err != nil {
			log.Errorf("[DISKGUARD] removing %s: %v", victim.Path, err)
			return false
		}
		g.Registry.Remove(victim)
	}
	log.Warnf("[DISKGUARD] gave up after %d eviction iterations", MaxEvictIterations)
	return false
}
