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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cbusillo/ALVR/internal/wire"
)

// ErrPeerGone marks EOF or a reset: the connection is dead, the
// consumer goes back to listening.
var ErrPeerGone = errors.New("tcp: peer gone")

// ErrProtocol marks an impossible frame header. The stream cannot be
// resynchronised, so the connection is torn down.
var ErrProtocol = errors.New("tcp: protocol error")

// ErrShutdown is returned when the exiting flag interrupts a wait.
var ErrShutdown = errors.New("tcp: shutting down")

// readPoll is the per-read deadline. Short so the exiting flag is
// observed within a few milliseconds of being raised.
const readPoll = time.Millisecond

// acceptPoll bounds a single Accept wait for the same reason.
const acceptPoll = 10 * time.Millisecond

// Handler receives the reassembled stream. HandleFrame's Frame aliases
// an internal buffer reused for the next frame; implementations copy
// what they keep (the encoder's synchronous staging copy suffices).
type Handler interface {
	HandleInit(wire.InitHeader) error
	HandleFrame(*wire.Frame) error
}

// Consumer listens on the loopback frame port, accepts one producer at
// a time, and feeds the handler until the peer goes away or the process
// exits; then it returns to listening.
type Consumer struct {
	ln      *net.TCPListener
	exiting *atomic.Bool

	pixels []byte
}

// NewConsumer opens the listener with SO_REUSEADDR so a restarted
// consumer can rebind a port still in TIME_WAIT.
func NewConsumer(port int, exiting *atomic.Bool) (*Consumer, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("tcp: listen on %d: %w", port, err)
	}
	log.Printf("[tcp] listening on %s", ln.Addr())
	return &Consumer{
		ln:      ln.(*net.TCPListener),
		exiting: exiting,
		pixels:  make([]byte, wire.MaxFrameSize),
	}, nil
}

// Serve accepts producers until shutdown. Each connection is handled to
// completion; a dead or misbehaving peer sends us back to Accept.
func (c *Consumer) Serve(h Handler) error {
	for !c.exiting.Load() {
		_ = c.ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := c.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if c.exiting.Load() {
				break
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}
		c.handle(conn, h)
	}
	return nil
}

func (c *Consumer) handle(conn net.Conn, h Handler) {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	log.Printf("[tcp] producer connected from %s", conn.RemoteAddr())

	var initBuf [wire.InitHeaderSize]byte
	if err := c.readFull(conn, initBuf[:]); err != nil {
		log.Printf("[tcp] init read: %v", err)
		return
	}
	init, err := wire.UnmarshalInitHeader(initBuf[:])
	if err != nil {
		log.Printf("[tcp] init decode: %v", err)
		return
	}
	log.Printf("[tcp] init: %d image(s) %dx%d format=%d pid=%d",
		init.NumImages, init.Width, init.Height, init.FormatTag, init.SourcePID)
	if err := h.HandleInit(init); err != nil {
		log.Printf("[tcp] init rejected: %v", err)
		return
	}

	var hdrBuf [wire.FrameHeaderSize]byte
	for {
		if err := c.readFull(conn, hdrBuf[:]); err != nil {
			if !errors.Is(err, ErrShutdown) {
				log.Printf("[tcp] connection closed: %v", err)
			}
			return
		}
		hdr, err := wire.UnmarshalFrameHeader(hdrBuf[:])
		if err != nil {
			log.Printf("[tcp] %v", err)
			return
		}
		if err := hdr.Validate(); err != nil {
			log.Printf("[tcp] tearing down: %v: %v", ErrProtocol, err)
			return
		}
		if err := c.readFull(conn, c.pixels[:hdr.DataSize]); err != nil {
			if !errors.Is(err, ErrShutdown) {
				log.Printf("[tcp] mid-frame: %v", err)
			}
			return
		}
		f := wire.Frame{
			FrameNumber:       uint64(hdr.FrameNumber),
			ImageIndex:        hdr.ImageIndex,
			Width:             hdr.Width,
			Height:            hdr.Height,
			Stride:            hdr.Stride,
			IsIDR:             hdr.IsIDR,
			TargetTimestampNs: hdr.SemaphoreValue,
			SemaphoreValue:    hdr.SemaphoreValue,
			Pose:              hdr.Pose,
			Pixels:            c.pixels[:hdr.DataSize],
		}
		if err := h.HandleFrame(&f); err != nil {
			log.Printf("[tcp] frame %d not accepted: %v", f.FrameNumber, err)
		}
	}
}

// readFull drains exactly len(buf) bytes, tolerating short reads and
// polling with a short deadline so shutdown stays observable.
func (c *Consumer) readFull(conn net.Conn, buf []byte) error {
	off := 0
	for off < len(buf) {
		if c.exiting.Load() {
			return ErrShutdown
		}
		_ = conn.SetReadDeadline(time.Now().Add(readPoll))
		n, err := conn.Read(buf[off:])
		off += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrPeerGone
			}
			return fmt.Errorf("%w: %v", ErrPeerGone, err)
		}
	}
	return nil
}

// Close shuts the listener down; Serve returns shortly after.
func (c *Consumer) Close() error { return c.ln.Close() }
