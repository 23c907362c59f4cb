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

// Package wire defines the byte-exact layouts shared by the TCP bytestream
// and the shared-memory ring: the one-shot InitHeader, the per-frame
// FrameHeader, and the logical Frame both transports carry.
//
// All multi-byte fields are little-endian and packed with no alignment
// holes. Any change here is a wire incompatibility between producer and
// consumer builds.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame geometry limits. A slot's pixel slab is sized for the largest
// combined-eye render target we ship; anything larger is refused at the
// protocol layer before a byte of pixel data is read.
const (
	MaxWidth  = 4096
	MaxHeight = 2160

	// MaxFrameSize is the fixed pixel slab size per ring slot and the
	// sanity cap on a TCP frame's data_size.
	MaxFrameSize = MaxWidth * MaxHeight * 4
)

const (
	// InitHeaderSize is the wire size of InitHeader: 40 bytes of fields
	// plus a trailing reserved word.
	InitHeaderSize = 44

	// FrameHeaderFixedSize covers every FrameHeader field up to and
	// including is_idr. The 4-byte data_size and the payload follow.
	FrameHeaderFixedSize = 77

	// FrameHeaderSize is the full on-wire header: fixed part + data_size.
	FrameHeaderSize = FrameHeaderFixedSize + 4
)

// Pose is a row-major 3x4 view transform as the renderer reports it.
// The transport carries it through untouched.
type Pose [3][4]float32

// Frame is one logical frame as handed to a transport producer. Pixels is
// height*stride bytes of 32-bit BGRA; Stride may exceed Width*4, in which
// case each row's tail is host alignment padding.
type Frame struct {
	FrameNumber       uint64
	ImageIndex        uint32
	Width             uint32
	Height            uint32
	Stride            uint32
	IsIDR             bool
	TargetTimestampNs uint64
	// SemaphoreValue is opaque at this layer; the consumer decides the
	// policy per session.
	SemaphoreValue uint64
	Pose           Pose
	Pixels         []byte
}

// PixelSize returns the byte length Pixels must have for this geometry.
func (f *Frame) PixelSize() int { return int(f.Height) * int(f.Stride) }

// InitHeader is sent exactly once per TCP connection, before any frame.
type InitHeader struct {
	NumImages  uint32
	DeviceUUID [16]byte
	Width      uint32
	Height     uint32
	// FormatTag is an opaque producer-side pixel-format identifier. The
	// consumer logs it and nothing more; pixel layout is always BGRA.
	FormatTag uint32
	MemIndex  uint32
	SourcePID uint32
}

// AppendTo appends the packed header to b and returns the extended slice.
func (h *InitHeader) AppendTo(b []byte) []byte {
	var buf [InitHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:], h.NumImages)
	copy(buf[4:20], h.DeviceUUID[:])
	binary.LittleEndian.PutUint32(buf[20:], h.Width)
	binary.LittleEndian.PutUint32(buf[24:], h.Height)
	binary.LittleEndian.PutUint32(buf[28:], h.FormatTag)
	binary.LittleEndian.PutUint32(buf[32:], h.MemIndex)
	binary.LittleEndian.PutUint32(buf[36:], h.SourcePID)
	// buf[40:44] reserved, zero
	return append(b, buf[:]...)
}

// UnmarshalInitHeader decodes exactly InitHeaderSize bytes.
func UnmarshalInitHeader(b []byte) (InitHeader, error) {
	var h InitHeader
	if len(b) < InitHeaderSize {
		return h, fmt.Errorf("init header: need %d bytes, have %d", InitHeaderSize, len(b))
	}
	h.NumImages = binary.LittleEndian.Uint32(b[0:])
	copy(h.DeviceUUID[:], b[4:20])
	h.Width = binary.LittleEndian.Uint32(b[20:])
	h.Height = binary.LittleEndian.Uint32(b[24:])
	h.FormatTag = binary.LittleEndian.Uint32(b[28:])
	h.MemIndex = binary.LittleEndian.Uint32(b[32:])
	h.SourcePID = binary.LittleEndian.Uint32(b[36:])
	return h, nil
}

// FrameHeader precedes each frame's pixel bytes on the TCP stream.
type FrameHeader struct {
	ImageIndex     uint32
	FrameNumber    uint32
	SemaphoreValue uint64
	Pose           Pose
	Width          uint32
	Height         uint32
	Stride         uint32
	IsIDR          bool
	DataSize       uint32
}

// AppendTo appends the packed header to b and returns the extended slice.
func (h *FrameHeader) AppendTo(b []byte) []byte {
	var buf [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:], h.ImageIndex)
	binary.LittleEndian.PutUint32(buf[4:], h.FrameNumber)
	binary.LittleEndian.PutUint64(buf[8:], h.SemaphoreValue)
	off := 16
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(h.Pose[r][c]))
			off += 4
		}
	}
	binary.LittleEndian.PutUint32(buf[64:], h.Width)
	binary.LittleEndian.PutUint32(buf[68:], h.Height)
	binary.LittleEndian.PutUint32(buf[72:], h.Stride)
	if h.IsIDR {
		buf[76] = 1
	}
	binary.LittleEndian.PutUint32(buf[77:], h.DataSize)
	return append(b, buf[:]...)
}

// UnmarshalFrameHeader decodes exactly FrameHeaderSize bytes.
func UnmarshalFrameHeader(b []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(b) < FrameHeaderSize {
		return h, fmt.Errorf("frame header: need %d bytes, have %d", FrameHeaderSize, len(b))
	}
	h.ImageIndex = binary.LittleEndian.Uint32(b[0:])
	h.FrameNumber = binary.LittleEndian.Uint32(b[4:])
	h.SemaphoreValue = binary.LittleEndian.Uint64(b[8:])
	off := 16
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			h.Pose[r][c] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
	}
	h.Width = binary.LittleEndian.Uint32(b[64:])
	h.Height = binary.LittleEndian.Uint32(b[68:])
	h.Stride = binary.LittleEndian.Uint32(b[72:])
	h.IsIDR = b[76] != 0
	h.DataSize = binary.LittleEndian.Uint32(b[77:])
	return h, nil
}

// Validate rejects headers no producer can legitimately emit. A failure
// here is a protocol error; the connection carrying it is unusable.
func (h *FrameHeader) Validate() error {
	if h.Width == 0 || h.Height == 0 || h.Width > MaxWidth || h.Height > MaxHeight {
		return fmt.Errorf("frame header: impossible geometry %dx%d", h.Width, h.Height)
	}
	if h.Stride < h.Width*4 {
		return fmt.Errorf("frame header: stride %d < width*4 (%d)", h.Stride, h.Width*4)
	}
	if h.DataSize > MaxFrameSize {
		return fmt.Errorf("frame header: data_size %d exceeds maximum %d", h.DataSize, MaxFrameSize)
	}
	if h.DataSize != h.Height*h.Stride {
		return fmt.Errorf("frame header: data_size %d != height*stride (%d)", h.DataSize, h.Height*h.Stride)
	}
	return nil
}
