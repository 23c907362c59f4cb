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

// Package transport carries the frame stream over a single long-lived
// loopback TCP connection: one InitHeader, then header+pixels per frame,
// FIFO, with the kernel's send buffer as the only backpressure.
package transport

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cbusillo/ALVR/internal/wire"
)

// DefaultPort is the fixed loopback frame port.
const DefaultPort = 9944

// writeDeadline bounds a single frame send. A loopback peer that cannot
// absorb a frame within this window is treated as gone; stalling the
// render thread any longer would be worse than dropping.
const writeDeadline = 250 * time.Millisecond

// reconnectEvery rate-limits reconnect attempts from the submit path.
const reconnectEvery = time.Second

// Producer ships frames to the consumer. Submit never blocks beyond the
// bounded send; while disconnected it drops frames silently and retries
// the connection at most once per reconnectEvery.
type Producer struct {
	addr string
	init wire.InitHeader

	conn    net.Conn
	lastTry time.Time
	buf     []byte

	sent    uint64
	dropped uint64
}

// NewProducer prepares a shipper for the consumer at the given loopback
// port. No connection is made until the first Submit.
func NewProducer(port int, init wire.InitHeader) *Producer {
	return &Producer{
		addr: fmt.Sprintf("127.0.0.1:%d", port),
		init: init,
	}
}

// Submit sends one frame, reconnecting first if needed. Returns true
// when the frame went out, false when it was dropped (no connection, or
// the send failed and tore the connection down).
func (p *Producer) Submit(f *wire.Frame) bool {
	if p.conn == nil && !p.reconnect() {
		p.dropped++
		return false
	}
	h := wire.FrameHeader{
		ImageIndex:     f.ImageIndex,
		FrameNumber:    uint32(f.FrameNumber),
		SemaphoreValue: f.SemaphoreValue,
		Pose:           f.Pose,
		Width:          f.Width,
		Height:         f.Height,
		Stride:         f.Stride,
		IsIDR:          f.IsIDR,
		DataSize:       uint32(f.PixelSize()),
	}
	p.buf = h.AppendTo(p.buf[:0])
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := p.conn.Write(p.buf); err != nil {
		p.teardown(err)
		p.dropped++
		return false
	}
	if _, err := p.conn.Write(f.Pixels[:f.PixelSize()]); err != nil {
		p.teardown(err)
		p.dropped++
		return false
	}
	p.sent++
	return true
}

// reconnect dials the consumer and replays the InitHeader. Rate limited
// so a dead consumer costs one dial per second, not one per frame.
func (p *Producer) reconnect() bool {
	if time.Since(p.lastTry) < reconnectEvery {
		return false
	}
	p.lastTry = time.Now()
	conn, err := net.DialTimeout("tcp", p.addr, writeDeadline)
	if err != nil {
		log.Printf("[tcp] connect %s: %v", p.addr, err)
		return false
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := conn.Write(p.init.AppendTo(nil)); err != nil {
		log.Printf("[tcp] init send: %v", err)
		_ = conn.Close()
		return false
	}
	p.conn = conn
	log.Printf("[tcp] connected to %s", p.addr)
	return true
}

func (p *Producer) teardown(err error) {
	log.Printf("[tcp] send failed, dropping connection: %v", err)
	_ = p.conn.Close()
	p.conn = nil
}

// Sent reports frames successfully written to the socket.
func (p *Producer) Sent() uint64 { return p.sent }

// Dropped reports frames lost to disconnects and send timeouts.
func (p *Producer) Dropped() uint64 { return p.dropped }

// Close drops the connection if one is up.
func (p *Producer) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
