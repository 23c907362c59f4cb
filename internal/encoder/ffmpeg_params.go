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

package encoder

import (
	"fmt"
	"sort"
	"strings"

	astiav "github.com/asticode/go-astiav"
)

// --- FFmpeg params parsing ---------------------------------------------------
// parseCodecParams splits a settings string into codec options:
// -cOPTION=value -> copts[OPTION]=value. Unknown prefixes are ignored.
func parseCodecParams(s string) map[string]string {
	copts := make(map[string]string)
	for _, tok := range strings.Fields(s) { // ignores extra whitespace
		if len(tok) < 3 || tok[0] != '-' || tok[1] != 'c' {
			continue
		}
		rest := tok[2:] // OPTION=value
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 || eq == len(rest)-1 {
			continue // need both key and value
		}
		key := rest[:eq]
		val := rest[eq+1:]

		// strip matching quotes
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') ||
				(val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		copts[key] = val
	}
	return copts
}

// applyCodecParams applies -c…=… tokens to the encoder dictionary.
func applyCodecParams(params string, opts *astiav.Dictionary) {
	if params == "" || opts == nil {
		return
	}
	for k, v := range parseCodecParams(params) {
		opts.Set(k, v, 0)
	}
}

// dictPairs returns key=value settings pairs for logging.
func dictPairs(d *astiav.Dictionary) []string {
	if d == nil {
		return nil
	}
	var pairs []string
	var prev *astiav.DictionaryEntry
	flags := astiav.NewDictionaryFlags(astiav.DictionaryFlagIgnoreSuffix) // iterate all keys
	for {
		e := d.Get("", prev, flags)
		if e == nil {
			break
		}
		pairs = append(pairs, fmt.Sprintf("%s=%s", e.Key(), e.Value()))
		prev = e
	}
	sort.Strings(pairs)
	return pairs
}

// joinDict is a convenience to print in one line.
func joinDict(d *astiav.Dictionary) string {
	return strings.Join(dictPairs(d), " ")
}
