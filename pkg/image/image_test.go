package image

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ln-tech/dnbd3/internal/crc32block"
)

func TestCacheMapSetClearIdempotent(t *testing.T) {
	m := NewCacheMap(10)
	require.False(t, m.Test(3))
	m.Set(3)
	require.True(t, m.Test(3))
	m.Set(3) // idempotent
	require.True(t, m.Test(3))
	m.Clear(3)
	require.False(t, m.Test(3))
	m.Clear(3) // idempotent
	require.False(t, m.Test(3))
}

func TestCacheMapBitOrderLSBFirst(t *testing.T) {
	m := NewCacheMap(16)
	m.Set(0)
	require.Equal(t, byte(0x01), m.bits[0])
	m.Set(7)
	require.Equal(t, byte(0x81), m.bits[0])
}

func TestCacheMapComplete(t *testing.T) {
	m := NewCacheMap(10)
	require.False(t, m.Complete())
	for i := 0; i < 10; i++ {
		m.Set(i)
	}
	require.True(t, m.Complete())
	m.Clear(5)
	require.False(t, m.Complete())
}

func TestHashBlockCompleteStraddlesEOF(t *testing.T) {
	// 1.5 hash-blocks worth of 4 KiB blocks.
	blocksPerHB := crc32block.HashBlockSize / crc32block.BlockSize
	m := NewCacheMap(blocksPerHB + blocksPerHB/2)
	for i := 0; i < m.NumBlocks(); i++ {
		m.Set(i)
	}
	require.True(t, m.IsHashBlockComplete(0))
	require.True(t, m.IsHashBlockComplete(1), "tail hash-block complete once every real block up to EOF is set")
}

func TestHashBlockIncompleteWhenAnyRealBlockMissing(t *testing.T) {
	blocksPerHB := crc32block.HashBlockSize / crc32block.BlockSize
	m := NewCacheMap(blocksPerHB)
	for i := 0; i < blocksPerHB-1; i++ {
		m.Set(i)
	}
	require.False(t, m.IsHashBlockComplete(0))
}

func TestCacheMapSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.map")
	m := NewCacheMap(100)
	m.Set(1)
	m.Set(50)
	require.NoError(t, m.Save(path))

	loaded, err := LoadCacheMap(path, 100)
	require.NoError(t, err)
	require.True(t, loaded.Test(1))
	require.True(t, loaded.Test(50))
	require.False(t, loaded.Test(2))
}

func TestRoundUpToBlock(t *testing.T) {
	require.Equal(t, int64(4096), RoundUpToBlock(4096))
	require.Equal(t, int64(4096), RoundUpToBlock(1))
	require.Equal(t, int64(8192), RoundUpToBlock(4097))
}

func TestParseFileName(t *testing.T) {
	name, rid, ok := ParseFileName("linux/ubuntu.r7")
	require.True(t, ok)
	require.Equal(t, "linux/ubuntu", name)
	require.Equal(t, uint16(7), rid)

	_, _, ok = ParseFileName("no-rid-here")
	require.False(t, ok)

	_, _, ok = ParseFileName("bad.r0")
	require.False(t, ok)
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := FileName(dir, "img", 3)
	img, err := Create(path, "img", 3, 9000)
	require.NoError(t, err)
	require.Equal(t, int64(9000), img.RealFileSize)
	require.Equal(t, int64(12288), img.VirtualFileSize)
	require.NotNil(t, img.CacheMap)
	require.False(t, img.Complete())
	img.CloseFD()

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "img", reopened.Name)
	require.Equal(t, uint16(3), reopened.Rid)
	require.NotNil(t, reopened.CacheMap)
}

func TestOpenWithoutMapIsComplete(t *testing.T) {
	dir := t.TempDir()
	path := FileName(dir, "done", 1)
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0644))
	img, err := Open(path)
	require.NoError(t, err)
	require.True(t, img.Complete())
}

func TestRefcounting(t *testing.T) {
	dir := t.TempDir()
	path := FileName(dir, "rc", 1)
	img, err := Create(path, "rc", 1, 4096)
	require.NoError(t, err)
	require.Equal(t, 0, img.Users())
	img.Acquire()
	img.Acquire()
	require.Equal(t, 2, img.Users())
	require.False(t, img.Release())
	require.True(t, img.Release())
	require.Equal(t, 0, img.Users())
}

func TestWriteAtUpdatesCacheMap(t *testing.T) {
	dir := t.TempDir()
	path := FileName(dir, "wr", 1)
	img, err := Create(path, "wr", 1, 8192)
	require.NoError(t, err)
	require.NoError(t, img.WriteAt(make([]byte, 4096), 0))
	require.True(t, img.CacheMap.Test(0))
	require.False(t, img.CacheMap.Test(1))
}

func TestMarkCompleteRemovesMapFile(t *testing.T) {
	dir := t.TempDir()
	path := FileName(dir, "mc", 1)
	img, err := Create(path, "mc", 1, 4096)
	require.NoError(t, err)
	mapPath := path + ".map"
	_, err = os.Stat(mapPath)
	require.NoError(t, err)

	require.NoError(t, img.MarkComplete())
	require.True(t, img.Complete())
	_, err = os.Stat(mapPath)
	require.True(t, os.IsNotExist(err))
}

func TestRegistryLoadAllAndGetLatest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(FileName(dir, "multi", 1), make([]byte, 4096), 0644))
	require.NoError(t, os.WriteFile(FileName(dir, "multi", 2), make([]byte, 4096), 0644))

	reg := NewRegistry()
	require.NoError(t, reg.LoadAll(dir))

	img, ok := reg.GetLatest("multi")
	require.True(t, ok)
	require.Equal(t, uint16(2), img.Rid)
}

func TestRegistryLeastRecentlyUsedUnused(t *testing.T) {
	dir := t.TempDir()
	img1, err := Create(FileName(dir, "a", 1), "a", 1, 4096)
	require.NoError(t, err)
	img2, err := Create(FileName(dir, "b", 1), "b", 1, 4096)
	require.NoError(t, err)
	img1.Atime = img2.Atime.Add(-time.Hour)
	img2.Acquire() // b is in use, should be skipped

	reg := NewRegistry()
	reg.Put(img1)
	reg.Put(img2)

	lru, ok := reg.LeastRecentlyUsedUnused()
	require.True(t, ok)
	require.Equal(t, "a", lru.Name)
}
