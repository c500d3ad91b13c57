package descriptor

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File holds the raw bytes of an on-disk opaque descriptor, used by host-side
// tooling. The launcher itself never touches the filesystem.
type File struct {
	Data    []byte
	mmapped bool
}

// OpenFile maps a descriptor file read-only. If mmap is unavailable it falls
// back to reading the file into memory. The returned file must be closed to
// release any mapping.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 <= 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("descriptor file %s: invalid size %d", path, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return &File{Data: data, mmapped: true}, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("read descriptor file %s: %w", path, err)
	}
	return &File{Data: data}, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f.mmapped {
		f.mmapped = false
		return unix.Munmap(f.Data)
	}
	return nil
}
