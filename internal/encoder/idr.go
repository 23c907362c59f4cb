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

import "sync/atomic"

// IdrScheduler coalesces keyframe requests. Stream start, reported
// packet loss and explicit inserts all raise the same pending flag;
// however many arrive before the next frame, exactly one IDR is forced.
// The periodic 180-frame IDR comes from the encoder itself, not from
// here.
type IdrScheduler struct {
	pending atomic.Bool
}

func (s *IdrScheduler) OnStreamStart() { s.pending.Store(true) }
func (s *IdrScheduler) OnPacketLoss()  { s.pending.Store(true) }
func (s *IdrScheduler) InsertIDR()     { s.pending.Store(true) }

// CheckAndClear atomically reports and clears the pending request.
func (s *IdrScheduler) CheckAndClear() bool { return s.pending.Swap(false) }
