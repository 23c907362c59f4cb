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

import "encoding/binary"

// HEVC NAL unit types we care about when mining parameter sets out of
// encoder extradata.
const (
	HevcNalVPS = 32
	HevcNalSPS = 33
	HevcNalPPS = 34
)

// HevcNalType extracts the type field from an HEVC NAL header.
func HevcNalType(nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	return int(nal[0]>>1) & 0x3f
}

// SplitAnnexB slices data into NAL units, accepting both 3- and 4-byte
// start codes. Returned slices alias data.
func SplitAnnexB(data []byte) [][]byte {
	var units [][]byte
	i := nextStartCode(data, 0)
	for i >= 0 {
		start := i + startCodeLenAt(data, i)
		next := nextStartCode(data, start)
		if next < 0 {
			if start < len(data) {
				units = append(units, data[start:])
			}
			break
		}
		if next > start {
			units = append(units, data[start:next])
		}
		i = next
	}
	return units
}

func nextStartCode(data []byte, from int) int {
	for i := from; i+3 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i
		}
		if i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1 {
			return i
		}
	}
	return -1
}

func startCodeLenAt(data []byte, i int) int {
	if data[i+2] == 1 {
		return 3
	}
	return 4
}

// LengthPrefix concatenates units with 4-byte big-endian length
// prefixes — the inverse of Pack's walk, and the sample-buffer form the
// host encoder capability hands out.
func LengthPrefix(units [][]byte) []byte {
	n := 0
	for _, u := range units {
		n += 4 + len(u)
	}
	out := make([]byte, 0, n)
	var l [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(l[:], uint32(len(u)))
		out = append(out, l[:]...)
		out = append(out, u...)
	}
	return out
}

// ExtractHevcParameterSets pulls VPS, SPS and PPS out of encoder
// extradata. Both raw Annex-B extradata and the hvcC configuration
// record are understood; anything else yields nothing.
func ExtractHevcParameterSets(extradata []byte) (vps, sps, pps []byte) {
	if len(extradata) == 0 {
		return nil, nil, nil
	}
	var units [][]byte
	if nextStartCode(extradata, 0) >= 0 {
		units = SplitAnnexB(extradata)
	} else if extradata[0] == 1 {
		units = hvccNalUnits(extradata)
	}
	for _, u := range units {
		switch HevcNalType(u) {
		case HevcNalVPS:
			if vps == nil {
				vps = u
			}
		case HevcNalSPS:
			if sps == nil {
				sps = u
			}
		case HevcNalPPS:
			if pps == nil {
				pps = u
			}
		}
	}
	return vps, sps, pps
}

// hvccNalUnits walks an HEVCDecoderConfigurationRecord's NAL arrays.
func hvccNalUnits(rec []byte) [][]byte {
	// Fixed part of the record is 22 bytes, then numOfArrays.
	if len(rec) < 23 {
		return nil
	}
	var units [][]byte
	numArrays := int(rec[22])
	off := 23
	for a := 0; a < numArrays; a++ {
		if off+3 > len(rec) {
			return units
		}
		count := int(binary.BigEndian.Uint16(rec[off+1:]))
		off += 3
		for n := 0; n < count; n++ {
			if off+2 > len(rec) {
				return units
			}
			l := int(binary.BigEndian.Uint16(rec[off:]))
			off += 2
			if off+l > len(rec) {
				return units
			}
			units = append(units, rec[off:off+l])
			off += l
		}
	}
	return units
}
