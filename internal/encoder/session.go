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

// Package encoder drives a real-time HEVC compression session: it
// stages BGRA frames into host pixel buffers, enforces the keyframe
// policy, and routes asynchronous completions through the bitstream
// packer to the network sink.
package encoder

// CodecTagHEVC is the fourcc handed to the network sink ("hvc1").
const CodecTagHEVC uint32 = 0x31637668

// Frame timestamps use a fixed 1/90 second time base: pts equals the
// frame number, duration is one tick.
const TimeBaseDen = 90

// SessionConfig describes the compression session to create.
type SessionConfig struct {
	Width               int
	Height              int
	BitrateBps          int64
	MaxKeyframeInterval int
	Realtime            bool
	AllowReorder        bool
}

// FrameContext travels with one submitted frame and comes back with its
// completion, keeping sessions isolated from each other's state.
type FrameContext struct {
	TargetTimestampNs uint64
	IsIDR             bool
}

// Sample is one completed encode: the payload as 4-byte big-endian
// length-prefixed NAL units, the parameter sets (VPS, SPS, PPS in
// order), and the "not-sync" attachment. A sample with the attachment
// absent — HasNotSync false — is a keyframe.
type Sample struct {
	Data          []byte
	ParameterSets [][]byte
	HasNotSync    bool
	NotSync       bool
	Pts           int64
	Ctx           FrameContext
}

// SampleFunc receives completions. It may be invoked from any thread
// the host encoder uses and must not do substantial work.
type SampleFunc func(Sample)

// Session is one live compression session of the host encode
// capability. Submit may block when the session's internal queue is
// full; it must not retain pixels after returning. Drain flushes all
// in-flight frames and returns only after every completion callback has
// been delivered.
type Session interface {
	Submit(pixels []byte, width, height, stride int, pts, duration int64, forceKeyframe bool, ctx FrameContext) error
	Drain() error
	Destroy()
}

// Capability creates sessions. The production implementation wraps the
// host's hardware encode API; tests plug in a fake.
type Capability interface {
	CreateSession(cfg SessionConfig, onSample SampleFunc) (Session, error)
}
