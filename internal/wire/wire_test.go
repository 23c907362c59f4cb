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

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitHeaderRoundTrip(t *testing.T) {
	h := InitHeader{
		NumImages: 3,
		Width:     1920,
		Height:    1080,
		FormatTag: 87,
		MemIndex:  2,
		SourcePID: 4242,
	}
	copy(h.DeviceUUID[:], []byte("0123456789abcdef"))

	b := h.AppendTo(nil)
	require.Len(t, b, InitHeaderSize)

	got, err := UnmarshalInitHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestInitHeaderLittleEndianLayout(t *testing.T) {
	h := InitHeader{NumImages: 0x01020304, Width: 1920}
	b := h.AppendTo(nil)

	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[0:4], "num_images")
	assert.Equal(t, uint32(1920), binary.LittleEndian.Uint32(b[20:]), "width at offset 20")
	assert.Equal(t, []byte{0, 0, 0, 0}, b[40:44], "reserved tail")
}

func TestInitHeaderShortBuffer(t *testing.T) {
	_, err := UnmarshalInitHeader(make([]byte, InitHeaderSize-1))
	require.Error(t, err)
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := FrameHeader{
		ImageIndex:     1,
		FrameNumber:    7,
		SemaphoreValue: 0xdeadbeefcafe,
		Width:          1920,
		Height:         1080,
		Stride:         7680,
		IsIDR:          true,
		DataSize:       8294400,
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			h.Pose[r][c] = float32(r*4+c) * 0.25
		}
	}

	b := h.AppendTo(nil)
	require.Len(t, b, FrameHeaderSize)

	got, err := UnmarshalFrameHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestFrameHeaderFixedPartBoundary(t *testing.T) {
	h := FrameHeader{Width: 16, Height: 16, Stride: 64, IsIDR: true, DataSize: 1024}
	b := h.AppendTo(nil)

	// is_idr is the last byte of the fixed part; data_size follows it.
	assert.Equal(t, byte(1), b[FrameHeaderFixedSize-1])
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(b[FrameHeaderFixedSize:]))
}

func TestFrameHeaderValidate(t *testing.T) {
	good := FrameHeader{Width: 1920, Height: 1080, Stride: 7680, DataSize: 7680 * 1080}
	require.NoError(t, good.Validate())

	for name, mut := range map[string]func(*FrameHeader){
		"zero width":      func(h *FrameHeader) { h.Width = 0 },
		"huge width":      func(h *FrameHeader) { h.Width = MaxWidth + 1 },
		"huge height":     func(h *FrameHeader) { h.Height = MaxHeight + 1 },
		"short stride":    func(h *FrameHeader) { h.Stride = h.Width*4 - 4 },
		"data size lies":  func(h *FrameHeader) { h.DataSize++ },
		"insane payload":  func(h *FrameHeader) { h.DataSize = MaxFrameSize + 1 },
	} {
		h := good
		mut(&h)
		assert.Error(t, h.Validate(), name)
	}
}

func TestFrameHeaderToleratesLargerStride(t *testing.T) {
	h := FrameHeader{Width: 100, Height: 10, Stride: 100*4 + 64}
	h.DataSize = h.Height * h.Stride
	assert.NoError(t, h.Validate())
}

func TestFramePixelSize(t *testing.T) {
	f := Frame{Height: 1080, Stride: 7680}
	assert.Equal(t, 8294400, f.PixelSize())
}
