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

package shm

import (
	"errors"
	"log"
	"sync/atomic"
	"time"
)

// ErrNoFrame is returned by NextReadySlot when the timeout elapses with
// no READY slot. Not a failure; the caller polls again.
var ErrNoFrame = errors.New("shm: no ready slot")

// ErrShutdown is returned once the region's shutdown flag is observed.
var ErrShutdown = errors.New("shm: shutting down")

// Consumer owns the region lifecycle: it creates the file, initialises
// the header, hands READY frames to the encode path and returns drained
// slots to EMPTY. Close flips the shutdown flag and unlinks the file.
type Consumer struct {
	r *Region

	lastFrame uint64
	haveLast  bool

	exiting *atomic.Bool
}

// NewConsumer creates and initialises the region at path. exiting is the
// process-wide cancellation flag sampled by every wait loop.
func NewConsumer(path string, exiting *atomic.Bool) (*Consumer, error) {
	r, err := Create(path)
	if err != nil {
		return nil, err
	}
	log.Printf("[shm] region ready: %s (%d bytes, %d slots)", path, TotalSize(), NumBuffers)
	return &Consumer{r: r, exiting: exiting}, nil
}

// Region exposes the underlying mapping, mainly for counters.
func (c *Consumer) Region() *Region { return c.r }

// WaitForProducer blocks until a producer has written the session
// config, the timeout elapses, or the process is exiting.
func (c *Consumer) WaitForProducer(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.exiting.Load() || c.r.Shutdown() {
			return ErrShutdown
		}
		if c.r.ConfigSet() {
			break
		}
		if time.Now().After(deadline) {
			return ErrNoFrame
		}
		time.Sleep(5 * time.Millisecond)
	}
	log.Printf("[shm] producer config: %dx%d format=%d",
		c.r.CfgWidth(), c.r.CfgHeight(), c.r.CfgFormat())
	return nil
}

// NextReadySlot claims the next frame for encoding and returns its slot
// index and descriptor. It scans from read_sequence mod N through N
// candidates, preferring the lowest frame number, and spins with backoff
// up to timeout. Stale slots (frame number older than the last consumed
// one) are returned straight to EMPTY and counted as dropped.
func (c *Consumer) NextReadySlot(timeout time.Duration) (int, SlotMeta, error) {
	deadline := time.Now().Add(timeout)
	spin := 0
	for {
		if c.exiting.Load() || c.r.Shutdown() {
			return -1, SlotMeta{}, ErrShutdown
		}

		if i, ok := c.claimOldestReady(); ok {
			m := c.r.ReadSlotMeta(i)
			if c.haveLast && m.FrameNumber < c.lastFrame {
				// Stale publish from a lapped producer; skip it.
				c.r.SetSlotState(i, StateEmpty)
				c.r.add64(offFramesDropped, 1)
				log.Printf("[shm] skipped stale frame %d (last consumed %d)", m.FrameNumber, c.lastFrame)
				continue
			}
			c.lastFrame = m.FrameNumber
			c.haveLast = true
			return i, m, nil
		}

		if time.Now().After(deadline) {
			return -1, SlotMeta{}, ErrNoFrame
		}
		// Bounded spin, then yield so an idle ring costs nothing.
		spin++
		if spin < 64 {
			continue
		}
		time.Sleep(500 * time.Microsecond)
	}
}

// claimOldestReady CASes the READY slot with the lowest frame number to
// ENCODING. The acquire load of the state word pairs with the producer's
// release publish, so descriptor and pixels are safe to read after a
// successful claim.
func (c *Consumer) claimOldestReady() (int, bool) {
	start := c.r.ReadSeq() % NumBuffers
	best := -1
	var bestFrame uint64
	for n := uint64(0); n < NumBuffers; n++ {
		i := int((start + n) % NumBuffers)
		if c.r.SlotState(i) != StateReady {
			continue
		}
		fn := c.r.SlotFrameNumber(i)
		if best == -1 || fn < bestFrame {
			best, bestFrame = i, fn
		}
	}
	if best == -1 {
		return -1, false
	}
	if !c.r.CasSlotState(best, StateReady, StateEncoding) {
		return -1, false
	}
	return best, true
}

// Pixels returns the claimed slot's slab. Valid only between a
// successful NextReadySlot and the matching Complete.
func (c *Consumer) Pixels(i int) []byte { return c.r.Pixels(i) }

// Complete returns a slot to EMPTY after the encoder has accepted the
// frame synchronously. Completion callbacks need not have run.
func (c *Consumer) Complete(i int) {
	c.r.SetSlotState(i, StateEmpty)
	c.r.add64(offReadSeq, 1)
	c.r.add64(offFramesEncoded, 1)
}

// Close drains the ring to quiescence: it raises the shutdown flag,
// waits briefly for a producer mid-WRITING to finish or abandon, then
// unmaps and unlinks the region. Idempotent.
func (c *Consumer) Close() error {
	if c.r == nil {
		return nil
	}
	c.r.RequestShutdown()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		busy := false
		for i := 0; i < NumBuffers; i++ {
			if c.r.SlotState(i) == StateWriting {
				busy = true
			}
		}
		if !busy {
			break
		}
		time.Sleep(time.Millisecond)
	}
	err := c.r.Close()
	c.r = nil
	return err
}
