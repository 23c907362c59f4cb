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

package pose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbusillo/ALVR/internal/wire"
)

func poseAt(x float32) wire.Pose {
	var p wire.Pose
	p[0][0], p[1][1], p[2][2] = 1, 1, 1
	p[0][3] = x
	return p
}

func TestBestMatchEmpty(t *testing.T) {
	r := NewRing(4)
	_, ok := r.BestMatch(poseAt(0))
	assert.False(t, ok, "frames proceed without a match")
}

func TestBestMatchExact(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 5; i++ {
		r.Push(Match{Pose: poseAt(float32(i)), TargetTimestampNs: uint64(i) * 100})
	}
	m, ok := r.BestMatch(poseAt(3))
	require.True(t, ok)
	assert.Equal(t, uint64(300), m.TargetTimestampNs)
}

func TestBestMatchNearest(t *testing.T) {
	r := NewRing(8)
	r.Push(Match{Pose: poseAt(0), TargetTimestampNs: 1})
	r.Push(Match{Pose: poseAt(10), TargetTimestampNs: 2})

	m, ok := r.BestMatch(poseAt(7))
	require.True(t, ok)
	assert.Equal(t, uint64(2), m.TargetTimestampNs)
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(2)
	r.Push(Match{Pose: poseAt(0), TargetTimestampNs: 1})
	r.Push(Match{Pose: poseAt(100), TargetTimestampNs: 2})
	r.Push(Match{Pose: poseAt(200), TargetTimestampNs: 3}) // evicts poseAt(0)

	m, ok := r.BestMatch(poseAt(0))
	require.True(t, ok)
	assert.Equal(t, uint64(2), m.TargetTimestampNs, "oldest entry gone")
}

func TestNewRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	r.Push(Match{Pose: poseAt(1), TargetTimestampNs: 42})
	m, ok := r.BestMatch(poseAt(1))
	require.True(t, ok)
	assert.Equal(t, uint64(42), m.TargetTimestampNs)
}
