//go:build linux

// Package arena provides a single executable memory region with a bump
// allocator on top. The region is the unit of allocation and release for one
// loaded module: every section payload, trampoline and GOT slot lives inside
// it, and closing it invalidates them all at once.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/tobermory/objld/internal/align"
	"golang.org/x/sys/unix"
)

var (
	ErrAllocationFailed = errors.New("executable arena mapping unavailable")
	errArenaExhausted   = errors.New("arena capacity exceeded")
	errRangeOutOfArena  = errors.New("address range outside arena")
)

// Arena is an anonymous private mapping that is readable, writable and
// executable for its whole lifetime. The cursor only ever moves forward;
// handed-out addresses stay valid until Close.
type Arena struct {
	mapping []byte
	cursor  uintptr
}

// New maps a fresh zeroed arena of at least size bytes. The mapping is
// page-granular, so the usable capacity may be slightly larger than requested.
func New(size uint64) (*Arena, error) {
	if size == 0 {
		size = 1
	}

	mapped := align.Address(size, uint64(unix.Getpagesize()))

	mapping, err := unix.Mmap(-1, 0, int(mapped),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap(%d): %w", ErrAllocationFailed, mapped, err)
	}

	return &Arena{mapping: mapping}, nil
}

// Base returns the address of the first byte of the arena, or 0 once the
// arena has been closed.
func (a *Arena) Base() uintptr {
	if len(a.mapping) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&a.mapping[0]))
}

// Size returns the mapped capacity in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mapping))
}

// Alloc advances the cursor by size bytes and returns the address of the
// start of the sub-range. The range is zeroed (anonymous mappings start
// zeroed and the cursor never rewinds).
func (a *Arena) Alloc(size uint64) (uintptr, error) {
	if uint64(a.cursor)+size > uint64(len(a.mapping)) {
		return 0, fmt.Errorf("%w: need %d bytes at cursor %d of %d",
			errArenaExhausted, size, a.cursor, len(a.mapping))
	}

	addr := a.Base() + a.cursor
	a.cursor += uintptr(size)

	return addr, nil
}

// AlignTo rounds the cursor up to the next multiple of alignment.
func (a *Arena) AlignTo(alignment uint64) {
	a.cursor = align.Address(a.cursor, uintptr(alignment))
}

// Bytes returns a mutable view of the size bytes starting at addr. The range
// must lie entirely inside the arena; out-of-range accesses are an error, not
// a panic.
func (a *Arena) Bytes(addr uintptr, size uint64) ([]byte, error) {
	if len(a.mapping) == 0 {
		return nil, fmt.Errorf("%w: arena is closed", errRangeOutOfArena)
	}

	base := a.Base()
	if addr < base || uint64(addr-base)+size > uint64(len(a.mapping)) {
		return nil, fmt.Errorf("%w: %#x+%d", errRangeOutOfArena, addr, size)
	}

	off := addr - base
	return a.mapping[off : uint64(off)+size], nil
}

// Contains reports whether addr points into the arena's mapping.
func (a *Arena) Contains(addr uintptr) bool {
	if len(a.mapping) == 0 {
		return false
	}

	return addr >= a.Base() && addr < a.Base()+uintptr(len(a.mapping))
}

// ProtectExec drops the write permission, leaving the arena read-execute.
// Open never calls this; it exists for callers with stricter W^X policies
// who flip protections once patching is done.
func (a *Arena) ProtectExec() error {
	if err := unix.Mprotect(a.mapping, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect arena: %w", err)
	}

	return nil
}

// Close unmaps the arena. Every address previously returned by Alloc becomes
// invalid; calling into code placed here after Close is the caller's bug.
func (a *Arena) Close() error {
	if a.mapping == nil {
		return nil
	}

	mapping := a.mapping
	a.mapping = nil
	a.cursor = 0

	if err := unix.Munmap(mapping); err != nil {
		return fmt.Errorf("munmap arena: %w", err)
	}

	return nil
}
