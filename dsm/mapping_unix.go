//go:build unix

package dsm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

type mmapMapping struct {
	mem      []byte
	pageSize int
}

// newMapping reserves size bytes of anonymous memory with no access, so the
// first touch of every page faults.
func newMapping(size uint64, pageSize int) (Mapping, error) {
	if size == 0 || size%uint64(pageSize) != 0 {
		return nil, fmt.Errorf("%w: %d is not a positive multiple of %d", ErrInvalidSize, size, pageSize)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return &mmapMapping{mem: mem, pageSize: pageSize}, nil
}

func (m *mmapMapping) Base() uintptr {
	if len(m.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

func (m *mmapMapping) Bytes() []byte {
	return m.mem
}

func (m *mmapMapping) PageCount() int {
	return len(m.mem) / m.pageSize
}

func (m *mmapMapping) Page(i int) []byte {
	off := i * m.pageSize
	return m.mem[off : off+m.pageSize : off+m.pageSize]
}

func (m *mmapMapping) Protect(i int, p Protection) error {
	prot := unix.PROT_NONE
	switch p {
	case ProtRead:
		prot = unix.PROT_READ
	case ProtReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(m.Page(i), prot); err != nil {
		return fmt.Errorf("mprotect page %d to %s: %w", i, p, err)
	}
	return nil
}

func (m *mmapMapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
