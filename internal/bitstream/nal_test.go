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

package bitstream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// HEVC NAL headers: type in bits 6..1 of the first byte.
func hevcHeader(typ int) []byte { return []byte{byte(typ << 1), 0x01} }

func TestHevcNalType(t *testing.T) {
	assert.Equal(t, HevcNalVPS, HevcNalType(hevcHeader(32)))
	assert.Equal(t, HevcNalSPS, HevcNalType(hevcHeader(33)))
	assert.Equal(t, HevcNalPPS, HevcNalType(hevcHeader(34)))
	assert.Equal(t, -1, HevcNalType(nil))
}

func TestSplitAnnexBMixedStartCodes(t *testing.T) {
	a := []byte{0x40, 0x01, 0xaa}
	b := []byte{0x42, 0x01, 0xbb}
	c := []byte{0x44, 0x01}

	var stream []byte
	stream = append(stream, 0, 0, 0, 1)
	stream = append(stream, a...)
	stream = append(stream, 0, 0, 1) // 3-byte start code
	stream = append(stream, b...)
	stream = append(stream, 0, 0, 0, 1)
	stream = append(stream, c...)

	units := SplitAnnexB(stream)
	require.Len(t, units, 3)
	assert.Equal(t, a, units[0])
	assert.Equal(t, b, units[1])
	assert.Equal(t, c, units[2])
}

func TestSplitAnnexBNoStartCode(t *testing.T) {
	assert.Empty(t, SplitAnnexB([]byte{1, 2, 3, 4}))
	assert.Empty(t, SplitAnnexB(nil))
}

func TestLengthPrefixRoundTripsThroughPack(t *testing.T) {
	units := [][]byte{{0x40, 0x01, 1}, {0x26, 0x01, 2, 3}}
	data := LengthPrefix(units)

	require.Len(t, data, 4+3+4+4)
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(data[0:]))

	out := Pack(data, nil, false)
	assert.Equal(t, units, SplitAnnexB(out))
}

func TestExtractHevcParameterSetsAnnexB(t *testing.T) {
	vps := append(hevcHeader(32), 0xaa)
	sps := append(hevcHeader(33), 0xbb)
	pps := append(hevcHeader(34), 0xcc)

	var extradata []byte
	for _, u := range [][]byte{vps, sps, pps} {
		extradata = append(extradata, StartCode...)
		extradata = append(extradata, u...)
	}

	gotVPS, gotSPS, gotPPS := ExtractHevcParameterSets(extradata)
	assert.Equal(t, vps, gotVPS)
	assert.Equal(t, sps, gotSPS)
	assert.Equal(t, pps, gotPPS)
}

func TestExtractHevcParameterSetsHvcc(t *testing.T) {
	vps := append(hevcHeader(32), 0x0c)
	sps := append(hevcHeader(33), 0x0d)
	pps := append(hevcHeader(34), 0x0e)

	rec := make([]byte, 22)
	rec[0] = 1 // configurationVersion
	rec = append(rec, 3)
	for _, u := range [][]byte{vps, sps, pps} {
		rec = append(rec, byte(HevcNalType(u))) // array header: completeness+type
		rec = append(rec, 0, 1)                 // numNalus
		rec = append(rec, byte(len(u)>>8), byte(len(u)))
		rec = append(rec, u...)
	}

	gotVPS, gotSPS, gotPPS := ExtractHevcParameterSets(rec)
	assert.Equal(t, vps, gotVPS)
	assert.Equal(t, sps, gotSPS)
	assert.Equal(t, pps, gotPPS)
}

func TestExtractHevcParameterSetsGarbage(t *testing.T) {
	vps, sps, pps := ExtractHevcParameterSets([]byte{0x55, 0x66, 0x77})
	assert.Nil(t, vps)
	assert.Nil(t, sps)
	assert.Nil(t, pps)

	vps, sps, pps = ExtractHevcParameterSets(nil)
	assert.Nil(t, vps)
	assert.Nil(t, sps)
	assert.Nil(t, pps)
}

func TestExtractHevcParameterSetsTruncatedHvcc(t *testing.T) {
	rec := make([]byte, 22)
	rec[0] = 1
	rec = append(rec, 2) // claims 2 arrays, provides none
	vps, sps, pps := ExtractHevcParameterSets(rec)
	assert.Nil(t, vps)
	assert.Nil(t, sps)
	assert.Nil(t, pps)
}
