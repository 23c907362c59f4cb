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

// Package bitstream converts the encoder's length-prefixed output into a
// start-code-delimited (Annex-B) elementary stream, prepending parameter
// sets on keyframes so the stream is decodable from any keyframe onward.
package bitstream

import (
	"encoding/binary"
	"log"
)

// StartCode is the 4-byte Annex-B NAL unit separator.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// IsKeyframe applies the sample-attachment rule: a sample is a keyframe
// iff its "not-sync" attachment is absent or false.
func IsKeyframe(hasNotSync, notSync bool) bool {
	return !hasNotSync || !notSync
}

// Pack rewrites payload — a concatenation of NAL units each prefixed by
// a 4-byte big-endian length — into Annex-B form. On a keyframe the
// parameter sets (VPS, SPS, PPS, in that order) are emitted first, each
// behind its own start code.
//
// A malformed tail (a length running past the end of the payload) ends
// the walk: the remainder is dropped with a warning, never emitted.
func Pack(payload []byte, parameterSets [][]byte, keyframe bool) []byte {
	out := make([]byte, 0, len(payload)+len(StartCode)*4+paramSetLen(parameterSets))
	if keyframe {
		for _, ps := range parameterSets {
			if len(ps) == 0 {
				continue
			}
			out = append(out, StartCode...)
			out = append(out, ps...)
		}
	}
	for off := 0; off < len(payload); {
		if len(payload)-off < 4 {
			log.Printf("[bitstream] truncated length prefix at offset %d, dropping %d byte(s)", off, len(payload)-off)
			break
		}
		n := int(binary.BigEndian.Uint32(payload[off:]))
		off += 4
		if n < 0 || n > len(payload)-off {
			log.Printf("[bitstream] NAL length %d exceeds remaining %d, dropping tail", n, len(payload)-off)
			break
		}
		out = append(out, StartCode...)
		out = append(out, payload[off:off+n]...)
		off += n
	}
	return out
}

func paramSetLen(sets [][]byte) int {
	n := 0
	for _, ps := range sets {
		n += len(ps)
	}
	return n
}
