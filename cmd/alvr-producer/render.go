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
	"log"
	"time"

	"github.com/cbusillo/ALVR/internal/wire"
)

// runRenderLoop drives the synthetic source at the requested rate,
// submitting from this thread the way a real renderer would. The first
// frame is flagged IDR so a fresh consumer can decode immediately.
func runRenderLoop(width, height uint32, fps uint, maxFrames uint64, submit func(*wire.Frame) bool) {
	if fps == 0 {
		fps = 90
	}
	interval := time.Second / time.Duration(fps)
	pixels := make([]byte, int(width)*int(height)*4)

	var frameNumber uint64
	var sent, dropped uint64
	lastStats := time.Now()

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for !exiting.Load() {
		renderGradient(pixels, width, height, frameNumber)
		f := wire.Frame{
			FrameNumber:       frameNumber,
			Width:             width,
			Height:            height,
			Stride:            width * 4,
			IsIDR:             frameNumber == 0,
			TargetTimestampNs: uint64(time.Now().UnixNano()),
			SemaphoreValue:    uint64(time.Now().UnixNano()),
			Pose:              identityPose(),
			Pixels:            pixels,
		}
		if submit(&f) {
			sent++
		} else {
			dropped++
		}
		frameNumber++

		if time.Since(lastStats) >= time.Second {
			log.Printf("[render] %d frame(s), sent=%d dropped=%d", frameNumber, sent, dropped)
			lastStats = time.Now()
		}
		if maxFrames > 0 && frameNumber >= maxFrames {
			return
		}
		<-tick.C
	}
}

// renderGradient paints a moving BGRA ramp; cheap, but every frame and
// every row differ so transport bugs show up as visible corruption.
func renderGradient(dst []byte, width, height uint32, frame uint64) {
	for y := uint32(0); y < height; y++ {
		row := dst[y*width*4:]
		for x := uint32(0); x < width; x++ {
			i := x * 4
			row[i+0] = byte(x + uint32(frame)) // B
			row[i+1] = byte(y)                 // G
			row[i+2] = byte(x ^ y)             // R
			row[i+3] = 0xff                    // A
		}
	}
}

func identityPose() wire.Pose {
	var p wire.Pose
	p[0][0], p[1][1], p[2][2] = 1, 1, 1
	return p
}
