package image

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/ln-tech/dnbd3/internal/crc32block"
)

// ErrCorrupt is returned when a .crc file's stored master CRC does not
// match the CRC of the per-hash-block list it precedes.
var ErrCorrupt = errors.New("image: crc list master checksum mismatch")

// CRCList is the on-disk integrity primitive for one image: a master
// CRC-32 over the concatenated per-hash-block CRCs, plus the list
// itself. Layout: master(4, little-endian) + N*block-crc(4, little-endian).
type CRCList struct {
	Master uint32
	Blocks []uint32
}

// LoadCRCList reads and validates a .crc sidecar.
func LoadCRCList(path string) (*CRCList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 || (len(data)-4)%4 != 0 {
		return nil, ErrCorrupt
	}
	l := &CRCList{
		Master: binary.LittleEndian.Uint32(data[0:4]),
		Blocks: make([]uint32, (len(data)-4)/4),
	}
	for i := range l.Blocks {
		l.Blocks[i] = binary.LittleEndian.Uint32(data[4+i*4 : 8+i*4])
	}
	if crc32block.MasterSum(l.Blocks) != l.Master {
		return nil, ErrCorrupt
	}
	return l, nil
}

// Save writes the CRCList to path, recomputing Master from Blocks first.
func (l *CRCList) Save(path string) error {
	l.Master = crc32block.MasterSum(l.Blocks)
	buf := make([]byte, 4+4*len(l.Blocks))
	binary.LittleEndian.PutUint32(buf[0:4], l.Master)
	for i, c := range l.Blocks {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], c)
	}
	return os.WriteFile(path, buf, 0644)
}

// ComputeCRCList hashes every hash-block of f (a real, on-disk image of
// realSize bytes) and returns the resulting list with Master already set.
func ComputeCRCList(f *os.File, realSize int64) (*CRCList, error) {
	n := crc32block.HashBlockCount(realSize)
	blocks := make([]uint32, n)
	for i := 0; i < n; i++ {
		start := int64(i) * crc32block.HashBlockSize
		span := int64(crc32block.HashBlockSize)
		if start+span > realSize {
			span = realSize - start
		}
		sum, err := crc32block.Sum(&sectionReader{f: f, off: start}, span)
		if err != nil {
			return nil, err
		}
		blocks[i] = sum
	}
	return &CRCList{Master: crc32block.MasterSum(blocks), Blocks: blocks}, nil
}

// sectionReader reads sequentially from f starting at off; unlike
// io.SectionReader it tracks its own advancing position across
// successive Read calls issued by crc32block.Sum's io.CopyN.
type sectionReader struct {
	f   *os.File
	off int64
}

func (s *sectionReader) Read(p []byte) (int, error) {
	n, err := s.f.ReadAt(p, s.off)
	s.off += int64(n)
	return n, err
}
