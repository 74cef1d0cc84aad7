package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ln-tech/dnbd3/internal/crc32block"
)

func TestCRCListSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.crc")
	l := &CRCList{Blocks: []uint32{1, 2, 3}}
	require.NoError(t, l.Save(path))

	loaded, err := LoadCRCList(path)
	require.NoError(t, err)
	require.Equal(t, l.Blocks, loaded.Blocks)
	require.Equal(t, crc32block.MasterSum(l.Blocks), loaded.Master)
}

func TestLoadCRCListDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.crc")
	l := &CRCList{Blocks: []uint32{1, 2, 3}}
	require.NoError(t, l.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF // corrupt the master checksum
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = LoadCRCList(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestComputeCRCListMatchesManualSum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	data := make([]byte, crc32block.HashBlockSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	list, err := ComputeCRCList(f, int64(len(data)))
	require.NoError(t, err)
	require.Len(t, list.Blocks, 2)
}
