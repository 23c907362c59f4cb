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
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbusillo/ALVR/internal/bitstream"
	"github.com/cbusillo/ALVR/internal/wire"
)

// State of the driver's session lifecycle.
type State int32

const (
	StateUninitialised State = iota
	StatePreparing
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ErrNotRunning is returned by Submit outside the Running state.
var ErrNotRunning = errors.New("encoder: not running")

// Sink is the downstream network packetiser: one call per packed
// elementary-stream chunk.
type Sink func(codecTag uint32, annexB []byte, targetTimestampNs uint64, isKeyframe bool)

// DefaultBitrateBps is used when the configuration carries none.
const DefaultBitrateBps = 10_000_000

// maxKeyframeInterval caps the distance between encoder-scheduled IDRs.
const maxKeyframeInterval = 180

// Repeated session failures inside this window escalate from per-frame
// drops to a full session recreate.
const (
	errorWindow    = 10 * time.Second
	errorThreshold = 3
)

// Driver owns exactly one compression session at a time and the SPSC
// hand-off that carries completions to the sink. Submit is called from
// the single frame-reader thread; completions arrive on whatever
// threads the host encoder uses.
type Driver struct {
	capability Capability
	sched      *IdrScheduler
	sink       Sink
	bitrateBps int64

	state atomic.Int32

	sess   Session
	width  int
	height int

	// recycled staging buffers, one frame each
	free chan []byte

	// completion hand-off: session threads produce, sinkLoop consumes
	completions chan Sample
	sinkDone    chan struct{}

	mu       sync.Mutex // guards errTimes
	errTimes []time.Time

	submitted uint64
	emitted   atomic.Uint64
}

// NewDriver wires the capability, keyframe scheduler and sink together.
// A zero bitrate falls back to the default.
func NewDriver(capability Capability, sched *IdrScheduler, sink Sink, bitrateBps int64) *Driver {
	if bitrateBps <= 0 {
		bitrateBps = DefaultBitrateBps
	}
	return &Driver{
		capability: capability,
		sched:      sched,
		sink:       sink,
		bitrateBps: bitrateBps,
		free:       make(chan []byte, 3),
	}
}

// State reports the current lifecycle state.
func (d *Driver) State() State { return State(d.state.Load()) }

// Start creates the compression session for the given geometry and
// begins accepting submissions. Calling Start on a running driver is a
// full teardown and recreate.
func (d *Driver) Start(width, height int) error {
	if d.State() == StateRunning || d.State() == StateDraining {
		d.Stop()
	}
	d.state.Store(int32(StatePreparing))
	d.completions = make(chan Sample, 8)
	d.sinkDone = make(chan struct{})
	go d.sinkLoop()

	sess, err := d.capability.CreateSession(SessionConfig{
		Width:               width,
		Height:              height,
		BitrateBps:          d.bitrateBps,
		MaxKeyframeInterval: maxKeyframeInterval,
		Realtime:            true,
		AllowReorder:        false,
	}, d.onSample)
	if err != nil {
		close(d.completions)
		<-d.sinkDone
		d.state.Store(int32(StateUninitialised))
		return fmt.Errorf("encoder: create session %dx%d: %w", width, height, err)
	}
	d.sess = sess
	d.width, d.height = width, height
	d.sched.OnStreamStart()
	d.state.Store(int32(StateRunning))
	log.Printf("[encoder] session up: %dx%d HEVC %d bps, keyframe interval %d",
		width, height, d.bitrateBps, maxKeyframeInterval)
	return nil
}

// Submit stages one frame into a recycled host buffer and hands it to
// the session. The frame is consumed synchronously; pixel memory may be
// reused by the caller as soon as Submit returns. An encoder failure
// drops the frame; repeated failures recreate the session.
func (d *Driver) Submit(f *wire.Frame) error {
	if d.State() != StateRunning {
		return ErrNotRunning
	}
	buf := d.getBuffer()
	stageTight(buf, f)

	force := d.sched.CheckAndClear() || f.IsIDR
	pts := int64(f.FrameNumber)
	err := d.sess.Submit(buf, int(f.Width), int(f.Height), int(f.Width)*4,
		pts, 1, force,
		FrameContext{TargetTimestampNs: f.TargetTimestampNs, IsIDR: force})
	d.putBuffer(buf)
	if err != nil {
		if force {
			// The request was consumed but no IDR will come out of this
			// frame; re-arm it for the next one.
			d.sched.InsertIDR()
		}
		log.Printf("[encoder] frame %d dropped: %v", f.FrameNumber, err)
		d.recordError()
		return err
	}
	d.submitted++
	return nil
}

// Drain flushes in-flight compressions and stops the session; the
// driver ends Stopped. Safe to call twice.
func (d *Driver) Drain() {
	if d.State() != StateRunning {
		return
	}
	d.state.Store(int32(StateDraining))
	if err := d.sess.Drain(); err != nil {
		log.Printf("[encoder] drain: %v", err)
	}
	d.sess.Destroy()
	d.sess = nil
	close(d.completions)
	<-d.sinkDone
	d.state.Store(int32(StateStopped))
	log.Printf("[encoder] stopped after %d frame(s), %d sample(s) emitted", d.submitted, d.emitted.Load())
}

// Stop is Drain under its lifecycle name.
func (d *Driver) Stop() { d.Drain() }

// onSample runs on host-encoder threads: nothing but the hand-off.
func (d *Driver) onSample(s Sample) {
	d.completions <- s
}

// sinkLoop is the single consumer of the completion hand-off. The
// bitstream transformation and the sink call happen here, never on the
// encoder's threads.
func (d *Driver) sinkLoop() {
	defer close(d.sinkDone)
	for s := range d.completions {
		key := bitstream.IsKeyframe(s.HasNotSync, s.NotSync)
		packed := bitstream.Pack(s.Data, s.ParameterSets, key)
		if len(packed) == 0 {
			continue
		}
		d.sink(CodecTagHEVC, packed, s.Ctx.TargetTimestampNs, key)
		d.emitted.Add(1)
	}
}

// recordError tracks failures; enough of them inside the window tears
// the session down and builds a fresh one.
func (d *Driver) recordError() {
	d.mu.Lock()
	now := time.Now()
	keep := d.errTimes[:0]
	for _, t := range d.errTimes {
		if now.Sub(t) < errorWindow {
			keep = append(keep, t)
		}
	}
	d.errTimes = append(keep, now)
	escalate := len(d.errTimes) >= errorThreshold
	if escalate {
		d.errTimes = d.errTimes[:0]
	}
	d.mu.Unlock()

	if !escalate {
		return
	}
	log.Printf("[encoder] %d failures inside %s, recreating session", errorThreshold, errorWindow)
	w, h := d.width, d.height
	if err := d.Start(w, h); err != nil {
		log.Printf("[encoder] session recreate failed: %v", err)
	}
}

func (d *Driver) getBuffer() []byte {
	want := d.width * d.height * 4
	select {
	case b := <-d.free:
		if cap(b) >= want {
			return b[:want]
		}
	default:
	}
	return make([]byte, want)
}

func (d *Driver) putBuffer(b []byte) {
	select {
	case d.free <- b:
	default:
	}
}

// stageTight copies a frame into dst with rows packed to width*4,
// honouring any larger source stride.
func stageTight(dst []byte, f *wire.Frame) {
	rowBytes := int(f.Width) * 4
	if int(f.Stride) == rowBytes {
		copy(dst, f.Pixels[:f.PixelSize()])
		return
	}
	for row := 0; row < int(f.Height); row++ {
		copy(dst[row*rowBytes:(row+1)*rowBytes], f.Pixels[row*int(f.Stride):row*int(f.Stride)+rowBytes])
	}
}
