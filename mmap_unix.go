// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.
// Further modifications: ported from raw syscall numbers to
// golang.org/x/sys/unix and generalized for the arena back-end's
// reserve/commit/unmap needs.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package tcalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAnon reserves and commits size bytes of anonymous, zero-filled
// memory, page-aligned. Used for bootstrap allocations (pagemap nodes,
// thread metadata regions) that must never come from the allocator under
// construction.
func mmapAnon(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	if uintptr(unsafe.Pointer(&b[0]))&uintptr(pageSize-1) != 0 {
		unix.Munmap(b)
		return nil, errNoMemory("mmapAnon: kernel returned unaligned region")
	}
	return b, nil
}

func munmapAnon(addr unsafe.Pointer, size int) error {
	b := unsafe.Slice((*byte)(addr), size)
	return unix.Munmap(b)
}

// mmapReserve reserves size bytes of virtual address space at hint
// without populating physical pages, used by the back-end arena. hugePage
// requests MAP_HUGETLB first and silently falls back on failure, per
// spec.md's "optionally attempt huge-page flags first".
func mmapReserve(hint uintptr, size int, hugePage bool) (uintptr, error) {
	if hugePage {
		if addr, err := mmapAt(hint, size, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_HUGETLB|unix.MAP_NORESERVE); err == nil {
			return addr, nil
		}
	}
	return mmapAt(hint, size, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

// mmapAt maps size bytes of PROT_NONE memory at hint, retrying with no
// hint if the hinted region is unavailable.
func mmapAt(hint uintptr, size int, flags int) (uintptr, error) {
	b, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, uintptr(size),
		uintptr(unix.PROT_NONE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		if hint != 0 {
			b, _, errno = unix.Syscall6(unix.SYS_MMAP, 0, uintptr(size),
				uintptr(unix.PROT_NONE), uintptr(flags), ^uintptr(0), 0)
		}
		if errno != 0 {
			return 0, errno
		}
	}
	return b, nil
}

// mprotectRW makes [addr, addr+size) readable and writable, committing
// the physical pages backing the arena's bump-pointer region.
func mprotectRW(addr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// munmapRegion releases a reservation made by mmapReserve.
func munmapRegion(addr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Munmap(b)
}
