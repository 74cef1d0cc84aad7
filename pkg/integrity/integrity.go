// Package integrity implements the background queue that re-hashes
// completed hash-blocks and invalidates the corresponding CacheMap bits
// on a CRC mismatch.
package integrity

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/internal/crc32block"
	"github.com/ln-tech/dnbd3/pkg/image"
)

// QueueCapacity bounds the number of pending (image, hash-block) checks.
const QueueCapacity = 100

type item struct {
	img *image.Image
	hb  int
}

type itemKey struct {
	path string
	hb   int
}

// Checker is a single-worker background integrity verifier. Enqueue is
// deduplicating: requesting the same (image, hash-block) pair twice
// before it has been serviced only queues it once.
type Checker struct {
	mu      sync.Mutex
	pending map[itemKey]struct{}
	queue   chan item
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Checker and starts its worker goroutine.
func New() *Checker {
	c := &Checker{
		pending: make(map[itemKey]struct{}),
		queue:   make(chan item, QueueCapacity),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Enqueue schedules img's hash-block hb for a background re-check. It is
// a no-op if the same pair is already queued, or if the queue is full.
func (c *Checker) Enqueue(img *image.Image, hb int) {
	key := itemKey{path: img.Path, hb: hb}
	c.mu.Lock()
	if _, dup := c.pending[key]; dup {
		c.mu.Unlock()
		return
	}
	select {
	case c.queue <- item{img: img, hb: hb}:
		c.pending[key] = struct{}{}
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warnf("[INTEGRITY] queue full, dropping check for %s hash-block %d", img.Path, hb)
	}
}

// Shutdown stops the worker goroutine and waits for it to exit.
func (c *Checker) Shutdown() {
	close(c.done)
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()
	for {
		select {
		case it := <-c.queue:
			c.check(it)
		case <-c.done:
			return
		}
	}
}

func (c *Checker) check(it item) {
	key := itemKey{path: it.img.Path, hb: it.hb}
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if it.img.Users() == 0 && it.img.Complete() {
		// Image has since been fully evicted/closed; nothing to verify.
		return
	}

	// Snapshot the expected CRC by reading the image's CRC field
	// directly, without the image lock (CRC list is read-mostly and
	// replaced wholesale, never mutated in place), so we don't hold any
	// image lock across the file I/O below.
	crcList := it.img.CRC
	if crcList == nil || it.hb >= len(crcList.Blocks) {
		return
	}
	expected := crcList.Blocks[it.hb]

	f, err := it.img.File()
	if err != nil {
		log.Warnf("[INTEGRITY] %s: cannot open for verification: %v", it.img.Path, err)
		return
	}

	start := int64(it.hb) * crc32block.HashBlockSize
	span := int64(crc32block.HashBlockSize)
	if start+span > it.img.RealFileSize {
		span = it.img.RealFileSize - start
	}
	if span <= 0 {
		return
	}

	actual, err := crc32block.Sum(&offsetReader{f: f, off: start}, span)
	if err != nil {
		log.Warnf("[INTEGRITY] %s: read error during verification: %v", it.img.Path, err)
		return
	}

	if actual != expected {
		log.Warnf("[INTEGRITY] %s: hash-block %d CRC mismatch (expected %08x got %08x), invalidating",
			it.img.Path, it.hb, expected, actual)
		blocksPerHB := crc32block.HashBlockSize / crc32block.BlockSize
		first := it.hb * blocksPerHB
		last := first + blocksPerHB
		if it.img.CacheMap != nil {
			for i := first; i < last && i < it.img.CacheMap.NumBlocks(); i++ {
				it.img.CacheMap.Clear(i)
			}
		}
	}
}

type offsetReader struct {
	f   interface{ ReadAt([]byte, int64) (int, error) }
	off int64
}

func (r *offsetReader) Read(p []byte) (int, error) {
	n, err := r.f.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}
