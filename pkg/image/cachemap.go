package image

import (
	"os"

	"github.com/ln-tech/dnbd3/internal/crc32block"
)

// CacheMap is a packed bit array tracking which 4 KiB blocks of an
// image are present locally. Bit i lives in byte i>>3, bit i&7
// (LSB-first within each byte, per spec.md §6). A bit is set only after
// the corresponding block has been durably written to the cache file; a
// bit is cleared only when the integrity checker invalidates the block.
type CacheMap struct {
	bits      []byte
	numBlocks int
}

// NewCacheMap allocates an all-zero map covering numBlocks 4 KiB blocks.
func NewCacheMap(numBlocks int) *CacheMap {
	return &CacheMap{
		bits:      make([]byte, (numBlocks+7)/8),
		numBlocks: numBlocks,
	}
}

// NumBlocks returns the number of blocks this map covers.
func (m *CacheMap) NumBlocks() int { return m.numBlocks }

// Set marks block i present. Idempotent.
func (m *CacheMap) Set(i int) {
	if i < 0 || i >= m.numBlocks {
		return
	}
	m.bits[i>>3] |= 1 << (uint(i) & 7)
}

// Clear marks block i absent. Idempotent.
func (m *CacheMap) Clear(i int) {
	if i < 0 || i >= m.numBlocks {
		return
	}
	m.bits[i>>3] &^= 1 << (uint(i) & 7)
}

// Test reports whether block i is present.
func (m *CacheMap) Test(i int) bool {
	if i < 0 || i >= m.numBlocks {
		return false
	}
	return m.bits[i>>3]&(1<<(uint(i)&7)) != 0
}

// SetRange marks every block covering [from, to) present, from/to being
// byte offsets into the image (must be block-aligned by the caller).
func (m *CacheMap) SetRange(from, to int64) {
	first := int(from / crc32block.BlockSize)
	last := int((to - 1) / crc32block.BlockSize)
	for i := first; i <= last; i++ {
		m.Set(i)
	}
}

// ClearRange marks every block covering [from, to) absent.
func (m *CacheMap) ClearRange(from, to int64) {
	first := int(from / crc32block.BlockSize)
	last := int((to - 1) / crc32block.BlockSize)
	for i := first; i <= last; i++ {
		m.Clear(i)
	}
}

// TestRange reports whether every block covering [from, to) is present.
func (m *CacheMap) TestRange(from, to int64) bool {
	first := int(from / crc32block.BlockSize)
	last := int((to - 1) / crc32block.BlockSize)
	for i := first; i <= last; i++ {
		if !m.Test(i) {
			return false
		}
	}
	return true
}

// blocksPerHashBlock is how many 4 KiB blocks make up one 16 MiB
// hash-block.
const blocksPerHashBlock = crc32block.HashBlockSize / crc32block.BlockSize

// IsHashBlockComplete reports whether every 4 KiB block belonging to
// hash-block hb has its bit set. A hash-block that straddles the
// logical end of the image is complete iff every block up to the end
// has its bit set; bits beyond numBlocks simply don't exist and are not
// considered.
func (m *CacheMap) IsHashBlockComplete(hb int) bool {
	first := hb * blocksPerHashBlock
	last := first + blocksPerHashBlock
	if last > m.numBlocks {
		last = m.numBlocks
	}
	if first >= last {
		return false
	}
	for i := first; i < last; i++ {
		if !m.Test(i) {
			return false
		}
	}
	return true
}

// Save writes the bitmap to path (the image's .map sidecar).
func (m *CacheMap) Save(path string) error {
	return os.WriteFile(path, m.bits, 0644)
}

// LoadCacheMap reads a .map sidecar for an image with numBlocks blocks.
// A missing file is not an error at this layer; callers interpret
// os.IsNotExist to mean "image complete" per spec.md §3.
func LoadCacheMap(path string, numBlocks int) (*CacheMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := NewCacheMap(numBlocks)
	n := len(data)
	if n > len(m.bits) {
		n = len(m.bits)
	}
	copy(m.bits, data[:n])
	return m, nil
}

// Complete reports whether every block is set.
func (m *CacheMap) Complete() bool {
	full := m.numBlocks / 8
	for i := 0; i < full; i++ {
		if m.bits[i] != 0xFF {
			return false
		}
	}
	rem := m.numBlocks % 8
	if rem == 0 {
		return true
	}
	mask := byte(1<<uint(rem)) - 1
	return m.bits[full]&mask == mask
}
