// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.
// Further modifications: reserve/commit split onto VirtualAlloc/
// VirtualProtect so the Windows build mirrors the Unix mmap+mprotect
// two-step the back-end arena relies on.

package tcalloc

import (
	"os"
	"syscall"
	"unsafe"
)

const (
	memCommit     = 0x00001000
	memReserve    = 0x00002000
	memRelease    = 0x00008000
	pageReadWrite = 0x04
	pageNoAccess  = 0x01
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc = modkernel32.NewProc("VirtualAlloc")
	procVirtualFree  = modkernel32.NewProc("VirtualFree")
	procVirtualProt  = modkernel32.NewProc("VirtualProtect")
)

func virtualAlloc(addr uintptr, size int, allocType, protect uint32) (uintptr, error) {
	r, _, errno := procVirtualAlloc.Call(addr, uintptr(size), uintptr(allocType), uintptr(protect))
	if r == 0 {
		return 0, os.NewSyscallError("VirtualAlloc", errno)
	}
	return r, nil
}

// mmapAnon reserves and commits size bytes of zero-filled memory for
// bootstrap allocations (pagemap nodes, thread metadata regions).
func mmapAnon(size int) ([]byte, error) {
	addr, err := virtualAlloc(0, size, memCommit|memReserve, pageReadWrite)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func munmapAnon(addr unsafe.Pointer, size int) error {
	r, _, errno := procVirtualFree.Call(uintptr(addr), 0, memRelease)
	if r == 0 {
		return os.NewSyscallError("VirtualFree", errno)
	}
	return nil
}

// mmapReserve reserves size bytes of virtual address space without
// committing pages. hugePage is ignored; large-page support on Windows
// requires a privilege this package does not attempt to acquire.
func mmapReserve(hint uintptr, size int, hugePage bool) (uintptr, error) {
	addr, err := virtualAlloc(hint, size, memReserve, pageNoAccess)
	if err != nil && hint != 0 {
		addr, err = virtualAlloc(0, size, memReserve, pageNoAccess)
	}
	return addr, err
}

// mprotectRW commits and makes readable/writable the given range of a
// prior reservation.
func mprotectRW(addr uintptr, size int) error {
	_, err := virtualAlloc(addr, size, memCommit, pageReadWrite)
	return err
}

// munmapRegion releases a reservation made by mmapReserve.
func munmapRegion(addr uintptr, size int) error {
	r, _, errno := procVirtualFree.Call(addr, 0, memRelease)
	if r == 0 {
		return os.NewSyscallError("VirtualFree", errno)
	}
	return nil
}
