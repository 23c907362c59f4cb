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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdrSchedulerCheckAndClear(t *testing.T) {
	var s IdrScheduler
	assert.False(t, s.CheckAndClear(), "nothing pending initially")

	s.InsertIDR()
	assert.True(t, s.CheckAndClear())
	assert.False(t, s.CheckAndClear(), "cleared after one read")
}

func TestIdrSchedulerSourcesCoalesce(t *testing.T) {
	var s IdrScheduler
	s.OnStreamStart()
	s.OnPacketLoss()
	s.InsertIDR()
	s.InsertIDR()

	assert.True(t, s.CheckAndClear(), "many events, one forced IDR")
	assert.False(t, s.CheckAndClear())
}

func TestIdrSchedulerConcurrent(t *testing.T) {
	var s IdrScheduler
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.InsertIDR()
			}
		}()
	}
	wg.Wait()
	assert.True(t, s.CheckAndClear())
	assert.False(t, s.CheckAndClear())
}
