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
	"fmt"
	"log"
	"time"

	"github.com/cbusillo/ALVR/internal/wire"
)

// Producer stages rendered frames into the ring. Submit is wait-free:
// at most NumBuffers CAS attempts, one bounded memcpy, no I/O.
type Producer struct {
	r *Region

	width  uint32
	height uint32

	// drop logging is rate limited; a saturated ring would otherwise
	// emit one line per frame
	lastDropLog time.Time
	dropsSince  uint64
}

// NewProducer maps the region at path and waits up to wait for the
// consumer to finish initialising it. It then records the session
// geometry (write-once) and is ready for Submit.
func NewProducer(path string, width, height, format uint32, wait time.Duration) (*Producer, error) {
	deadline := time.Now().Add(wait)
	var r *Region
	for {
		var err error
		r, err = Open(path)
		if err == nil && r.Initialized() {
			break
		}
		if err == nil {
			_ = r.Close()
		} else if errors.Is(err, ErrConfig) {
			// Wrong magic, wrong version, wrong size: not our region,
			// and waiting will not fix it.
			return nil, err
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("shm: region %s not initialised within %s: %w", path, wait, ErrConfig)
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.SetConfig(width, height, format)
	log.Printf("[shm] producer attached: %s %dx%d format=%d", path, width, height, format)
	return &Producer{r: r, width: width, height: height}, nil
}

// Submit publishes one frame into the ring. It returns true when the
// frame was published and false when every slot was busy — a silent,
// counted drop; the newest frame simply loses the race for a free slot.
func (p *Producer) Submit(f *wire.Frame) bool {
	if p.r.Shutdown() {
		return false
	}
	start := p.r.WriteSeq() % NumBuffers
	for n := uint64(0); n < NumBuffers; n++ {
		i := int((start + n) % NumBuffers)
		if !p.r.CasSlotState(i, StateEmpty, StateWriting) {
			continue
		}
		p.stage(i, f)
		// The READY store releases the pixel and header writes above.
		p.r.SetSlotState(i, StateReady)
		p.r.add64(offWriteSeq, 1)
		p.r.add64(offFramesWritten, 1)
		return true
	}
	p.r.add64(offFramesDropped, 1)
	p.dropsSince++
	if time.Since(p.lastDropLog) > time.Second {
		log.Printf("[shm] ring full, dropped %d frame(s) (newest frame %d)", p.dropsSince, f.FrameNumber)
		p.lastDropLog = time.Now()
		p.dropsSince = 0
	}
	return false
}

// stage copies pixels into slot i's slab, row by row when the source
// stride carries alignment padding, and fills the descriptor.
func (p *Producer) stage(i int, f *wire.Frame) {
	dst := p.r.Pixels(i)
	rowBytes := int(f.Width) * 4
	if int(f.Stride) == rowBytes {
		copy(dst, f.Pixels[:f.PixelSize()])
	} else {
		src := f.Pixels
		for row := 0; row < int(f.Height); row++ {
			copy(dst[row*rowBytes:(row+1)*rowBytes], src[row*int(f.Stride):row*int(f.Stride)+rowBytes])
		}
	}
	p.r.WriteSlotMeta(i, SlotMeta{
		Width:       f.Width,
		Height:      f.Height,
		Stride:      f.Width * 4, // slab rows are tightly packed
		TimestampNs: f.TargetTimestampNs,
		FrameNumber: f.FrameNumber,
		IsIDR:       f.IsIDR,
		Pose:        f.Pose,
	})
}

// Dropped reports the region's drop counter.
func (p *Producer) Dropped() uint64 { return p.r.FramesDropped() }

// Written reports the region's publish counter.
func (p *Producer) Written() uint64 { return p.r.FramesWritten() }

// Close detaches from the region. The producer does not own the region
// lifecycle: it neither unlinks the file nor flips the shutdown flag.
func (p *Producer) Close() error { return p.r.Close() }
