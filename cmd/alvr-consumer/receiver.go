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

package main

import (
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbusillo/ALVR/internal/config"
	"github.com/cbusillo/ALVR/internal/encoder"
	"github.com/cbusillo/ALVR/internal/pose"
	"github.com/cbusillo/ALVR/internal/shm"
	"github.com/cbusillo/ALVR/internal/transport"
	"github.com/cbusillo/ALVR/internal/wire"
)

// receiver ties one transport to the encoder driver and pose history.
type receiver struct {
	cfg     config.Config
	driver  *encoder.Driver
	sched   *encoder.IdrScheduler
	history *pose.Ring

	frames atomic.Uint64
}

// serveShm owns the region lifecycle: create, wait for a producer,
// pump frames until exit, then unmap and unlink.
func (rx *receiver) serveShm() error {
	cons, err := shm.NewConsumer(rx.cfg.RegionPath, &exiting)
	if err != nil {
		return err
	}
	defer cons.Close()

	for !exiting.Load() {
		if err := cons.WaitForProducer(time.Second); err != nil {
			if errors.Is(err, shm.ErrShutdown) {
				return nil
			}
			continue
		}
		break
	}
	if exiting.Load() {
		return nil
	}

	r := cons.Region()
	if err := rx.driver.Start(int(r.CfgWidth()), int(r.CfgHeight())); err != nil {
		return err
	}

	for !exiting.Load() {
		i, m, err := cons.NextReadySlot(10 * time.Millisecond)
		if err != nil {
			if errors.Is(err, shm.ErrShutdown) {
				return nil
			}
			continue // ErrNoFrame: poll again
		}
		f := wire.Frame{
			FrameNumber:       m.FrameNumber,
			Width:             m.Width,
			Height:            m.Height,
			Stride:            m.Stride,
			IsIDR:             m.IsIDR,
			TargetTimestampNs: m.TimestampNs,
			Pose:              m.Pose,
			Pixels:            cons.Pixels(i)[:int(m.Height)*int(m.Stride)],
		}
		rx.submit(&f)
		// The driver's staging copy is synchronous; the slot can go
		// back to EMPTY before any completion callback has run.
		cons.Complete(i)
	}
	return nil
}

// serveTCP listens for producers; each connection restarts the session
// with the init geometry and pumps frames until the peer goes away.
func (rx *receiver) serveTCP() error {
	cons, err := transport.NewConsumer(rx.cfg.TCPPort, &exiting)
	if err != nil {
		return err
	}
	defer cons.Close()
	return cons.Serve(rx)
}

// HandleInit configures the compression session for this producer.
func (rx *receiver) HandleInit(init wire.InitHeader) error {
	return rx.driver.Start(int(init.Width), int(init.Height))
}

// HandleFrame runs on the transport reader thread.
func (rx *receiver) HandleFrame(f *wire.Frame) error {
	rx.submit(f)
	return nil
}

// submit resolves the frame's tracking timestamp from the pose history
// and hands it to the encoder. Frames are processed whether or not a
// match exists.
func (rx *receiver) submit(f *wire.Frame) {
	if m, ok := rx.history.BestMatch(f.Pose); ok {
		f.TargetTimestampNs = m.TargetTimestampNs
	}
	rx.history.Push(pose.Match{Pose: f.Pose, TargetTimestampNs: f.TargetTimestampNs})
	if err := rx.driver.Submit(f); err != nil && !errors.Is(err, encoder.ErrNotRunning) {
		// dropped and counted inside the driver
		return
	}
	rx.frames.Add(1)
}

// statsLoop logs throughput once per second. The short tick keeps
// shutdown latency low.
func (rx *receiver) statsLoop() error {
	var last uint64
	lastEmit := time.Now()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !exiting.Load() {
		<-tick.C
		if time.Since(lastEmit) < time.Second {
			continue
		}
		lastEmit = time.Now()
		cur := rx.frames.Load()
		if cur != last {
			log.Printf("[stats] %d frame(s)/s, %d total", cur-last, cur)
			last = cur
		}
	}
	return nil
}

// newSink builds the network-sink stand-in: counts every chunk and,
// when outPath is set, appends the raw elementary stream for replay.
func newSink(outPath string) (encoder.Sink, func(), error) {
	var (
		mu    sync.Mutex
		file  *os.File
		bytes uint64
		nals  uint64
	)
	if outPath != "" {
		f, err := os.OpenFile(outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		file = f
	}
	sink := func(codecTag uint32, annexB []byte, targetTimestampNs uint64, isKeyframe bool) {
		mu.Lock()
		defer mu.Unlock()
		nals++
		bytes += uint64(len(annexB))
		if file != nil {
			if _, err := file.Write(annexB); err != nil {
				log.Printf("[sink] write: %v", err)
			}
		}
		if isKeyframe {
			log.Printf("[sink] keyframe, %d bytes (tag 0x%08x, ts %d)", len(annexB), codecTag, targetTimestampNs)
		}
	}
	closeFn := func() {
		mu.Lock()
		defer mu.Unlock()
		log.Printf("[sink] emitted %d chunk(s), %d byte(s)", nals, bytes)
		if file != nil {
			_ = file.Close()
		}
	}
	return sink, closeFn, nil
}
