/* SPDX-License-Identifier: GPL-3.0-or-later
 *
 * ALVR
 * Copyright (C) 2025 cbusillo
 *
 * This file is part of ALVR.
 *
 * ALVR is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * ALVR is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with ALVR.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package shm implements the lock-free shared-memory frame ring: a
// memory-mapped region file holding a control header, NumBuffers slot
// descriptors, and one fixed-size BGRA pixel slab per slot.
//
// The consumer (host side) creates and unlinks the region file; the
// producer maps it and refuses anything whose magic or version it does
// not recognise. Each slot cycles EMPTY -> WRITING -> READY -> ENCODING
// -> EMPTY, with every transition a compare-and-swap so exactly one
// party owns a slot at any instant.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cbusillo/ALVR/internal/wire"
)

// ErrConfig marks a region we must not touch: wrong magic, wrong
// version, or a file too small to hold the advertised layout. Fatal at
// startup; there is no retry.
var ErrConfig = errors.New("shm: region config error")

// NumBuffers is the ring depth. Three slots let the producer stay one
// frame ahead of the encoder without unbounded queueing; the consumer
// may fall behind by at most NumBuffers-1 frames before drops start.
const NumBuffers = 3

// Slot states. Only the producer moves EMPTY->WRITING and only the
// consumer moves READY->ENCODING.
const (
	StateEmpty    uint32 = 0
	StateWriting  uint32 = 1
	StateReady    uint32 = 2
	StateEncoding uint32 = 3
)

// DefaultPath is the canonical region file location.
const DefaultPath = "/tmp/alvr_frame_buffer.shm"

const (
	regionMagic   uint32 = 0x52564C41 // "ALVR", little-endian in memory
	regionVersion uint32 = 1
)

// Control header field offsets. All atomics are naturally aligned; the
// mmap base is page-aligned so offsets alone guarantee alignment.
const (
	offMagic         = 0
	offVersion       = 4
	offInitialized   = 8
	offShutdown      = 12
	offCfgWidth      = 16
	offCfgHeight     = 20
	offCfgFormat     = 24
	offCfgSet        = 28
	offWriteSeq      = 32
	offReadSeq       = 40
	offFramesWritten = 48
	offFramesEncoded = 56
	offFramesDropped = 64

	// 64 reserved words follow the counters.
	offSlots = 72 + 64*4
)

// Per-slot descriptor offsets and size.
const (
	slotOffState       = 0
	slotOffWidth       = 4
	slotOffHeight      = 8
	slotOffStride      = 12
	slotOffTimestampNs = 16
	slotOffFrameNumber = 24
	slotOffIsIDR       = 32
	slotOffPose        = 40 // 12 float32, 48 bytes

	slotSize = 128
)

// SlotMeta mirrors a slot descriptor's header fields.
type SlotMeta struct {
	Width       uint32
	Height      uint32
	Stride      uint32
	TimestampNs uint64
	FrameNumber uint64
	IsIDR       bool
	Pose        wire.Pose
}

// Region is a mapped frame-ring file. It is safe for concurrent use
// from both sides of the IPC boundary; all cross-process fields are
// accessed atomically.
type Region struct {
	path  string
	f     *os.File
	data  []byte
	owner bool // consumer created the file and unlinks it
}

func pageSize() int {
	ps := os.Getpagesize()
	if ps < 4096 {
		ps = 4096
	}
	return ps
}

func alignUp(n, a int) int { return (n + a - 1) / a * a }

// headerSize is the page-aligned byte length of the control header plus
// slot descriptors; pixel slabs start here.
func headerSize() int { return alignUp(offSlots+NumBuffers*slotSize, pageSize()) }

// TotalSize is the full region file length.
func TotalSize() int { return headerSize() + NumBuffers*wire.MaxFrameSize }

// Create builds a fresh region file at path, sized and zeroed, with
// magic and version stamped before initialized is raised. Consumer side
// only; an existing file at path is replaced.
func Create(path string) (*Region, error) {
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(TotalSize())); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: size %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, TotalSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	r := &Region{path: path, f: f, data: data, owner: true}
	r.store32(offMagic, regionMagic)
	r.store32(offVersion, regionVersion)
	// Magic and version must be visible before anyone trusts the region.
	r.store32(offInitialized, 1)
	return r, nil
}

// Open maps an existing region file. Producer side: the region must
// already carry the right magic and version, otherwise ErrConfig.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if st.Size() < int64(TotalSize()) {
		_ = f.Close()
		return nil, fmt.Errorf("shm: %s is %d bytes, need %d: %w", path, st.Size(), TotalSize(), ErrConfig)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, TotalSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	r := &Region{path: path, f: f, data: data}
	if m := r.load32(offMagic); m != regionMagic {
		_ = r.Close()
		return nil, fmt.Errorf("shm: bad magic 0x%08x: %w", m, ErrConfig)
	}
	if v := r.load32(offVersion); v != regionVersion {
		_ = r.Close()
		return nil, fmt.Errorf("shm: unsupported version %d: %w", v, ErrConfig)
	}
	return r, nil
}

// Close unmaps the region and closes the file. The owner (consumer)
// also unlinks it. Idempotent.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	if r.owner {
		_ = os.Remove(r.path)
	}
	return err
}

// --- atomic access helpers -------------------------------------------------

func (r *Region) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&r.data[off])) }
func (r *Region) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&r.data[off])) }

func (r *Region) load32(off int) uint32     { return atomic.LoadUint32(r.u32(off)) }
func (r *Region) store32(off int, v uint32) { atomic.StoreUint32(r.u32(off), v) }
func (r *Region) cas32(off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(r.u32(off), old, new)
}
func (r *Region) load64(off int) uint64     { return atomic.LoadUint64(r.u64(off)) }
func (r *Region) store64(off int, v uint64) { atomic.StoreUint64(r.u64(off), v) }
func (r *Region) add64(off int, d uint64) uint64 {
	return atomic.AddUint64(r.u64(off), d)
}

// --- control header --------------------------------------------------------

func (r *Region) Initialized() bool { return r.load32(offInitialized) == 1 }
func (r *Region) Shutdown() bool    { return r.load32(offShutdown) == 1 }
func (r *Region) RequestShutdown()  { r.store32(offShutdown, 1) }
func (r *Region) ConfigSet() bool   { return r.load32(offCfgSet) == 1 }
func (r *Region) CfgWidth() uint32  { return r.load32(offCfgWidth) }
func (r *Region) CfgHeight() uint32 { return r.load32(offCfgHeight) }
func (r *Region) CfgFormat() uint32 { return r.load32(offCfgFormat) }

func (r *Region) WriteSeq() uint64      { return r.load64(offWriteSeq) }
func (r *Region) ReadSeq() uint64       { return r.load64(offReadSeq) }
func (r *Region) FramesWritten() uint64 { return r.load64(offFramesWritten) }
func (r *Region) FramesEncoded() uint64 { return r.load64(offFramesEncoded) }
func (r *Region) FramesDropped() uint64 { return r.load64(offFramesDropped) }

// SetConfig records the session geometry. Write-once: the first caller
// wins and the fields are stable for the remainder of the session.
func (r *Region) SetConfig(width, height, format uint32) {
	if r.ConfigSet() {
		return
	}
	r.store32(offCfgWidth, width)
	r.store32(offCfgHeight, height)
	r.store32(offCfgFormat, format)
	r.store32(offCfgSet, 1)
}

// --- slots -----------------------------------------------------------------

func (r *Region) slotOff(i int) int { return offSlots + i*slotSize }

// SlotState returns the current state word with acquire semantics, so a
// READY or ENCODING observation also publishes the slot's pixel bytes.
func (r *Region) SlotState(i int) uint32 { return r.load32(r.slotOff(i) + slotOffState) }

// CasSlotState claims a state transition. Exactly one caller can win.
func (r *Region) CasSlotState(i int, old, new uint32) bool {
	return r.cas32(r.slotOff(i)+slotOffState, old, new)
}

// SetSlotState publishes a state unconditionally. The store is a release:
// all slot header and pixel writes made before it are visible to any
// party that subsequently observes the new state.
func (r *Region) SetSlotState(i int, s uint32) { r.store32(r.slotOff(i)+slotOffState, s) }

// Pixels returns slot i's pixel slab.
func (r *Region) Pixels(i int) []byte {
	start := headerSize() + i*wire.MaxFrameSize
	return r.data[start : start+wire.MaxFrameSize]
}

// WriteSlotMeta fills slot i's descriptor. Caller must own the slot
// (state WRITING); the fields are plain stores fenced by the later
// READY publish.
func (r *Region) WriteSlotMeta(i int, m SlotMeta) {
	off := r.slotOff(i)
	binary.LittleEndian.PutUint32(r.data[off+slotOffWidth:], m.Width)
	binary.LittleEndian.PutUint32(r.data[off+slotOffHeight:], m.Height)
	binary.LittleEndian.PutUint32(r.data[off+slotOffStride:], m.Stride)
	binary.LittleEndian.PutUint64(r.data[off+slotOffTimestampNs:], m.TimestampNs)
	binary.LittleEndian.PutUint64(r.data[off+slotOffFrameNumber:], m.FrameNumber)
	if m.IsIDR {
		r.data[off+slotOffIsIDR] = 1
	} else {
		r.data[off+slotOffIsIDR] = 0
	}
	p := off + slotOffPose
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			binary.LittleEndian.PutUint32(r.data[p:], math.Float32bits(m.Pose[row][col]))
			p += 4
		}
	}
}

// ReadSlotMeta reads slot i's descriptor. Caller must have observed the
// slot READY or ENCODING first.
func (r *Region) ReadSlotMeta(i int) SlotMeta {
	off := r.slotOff(i)
	var m SlotMeta
	m.Width = binary.LittleEndian.Uint32(r.data[off+slotOffWidth:])
	m.Height = binary.LittleEndian.Uint32(r.data[off+slotOffHeight:])
	m.Stride = binary.LittleEndian.Uint32(r.data[off+slotOffStride:])
	m.TimestampNs = binary.LittleEndian.Uint64(r.data[off+slotOffTimestampNs:])
	m.FrameNumber = binary.LittleEndian.Uint64(r.data[off+slotOffFrameNumber:])
	m.IsIDR = r.data[off+slotOffIsIDR] != 0
	p := off + slotOffPose
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			m.Pose[row][col] = math.Float32frombits(binary.LittleEndian.Uint32(r.data[p:]))
			p += 4
		}
	}
	return m
}

// SlotFrameNumber peeks a slot's frame number without copying the rest.
func (r *Region) SlotFrameNumber(i int) uint64 {
	return binary.LittleEndian.Uint64(r.data[r.slotOff(i)+slotOffFrameNumber:])
}
