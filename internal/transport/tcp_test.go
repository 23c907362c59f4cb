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
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbusillo/ALVR/internal/wire"
)

// capture collects everything a connection delivers; pixel bytes are
// copied because HandleFrame's buffer is reused.
type capture struct {
	mu     sync.Mutex
	inits  []wire.InitHeader
	frames []wire.Frame
}

func (c *capture) HandleInit(h wire.InitHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits = append(c.inits, h)
	return nil
}

func (c *capture) HandleFrame(f *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *f
	cp.Pixels = append([]byte(nil), f.Pixels...)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *capture) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *capture) initCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inits)
}

func startConsumer(t *testing.T, port int) (*capture, *Consumer, *atomic.Bool, chan struct{}) {
	t.Helper()
	var exiting atomic.Bool
	cons, err := NewConsumer(port, &exiting)
	require.NoError(t, err)

	cap := &capture{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cons.Serve(cap)
	}()
	t.Cleanup(func() {
		exiting.Store(true)
		_ = cons.Close()
		<-done
	})
	return cap, cons, &exiting, done
}

func gradientFrame(number uint64, w, h uint32) *wire.Frame {
	px := make([]byte, int(w)*int(h)*4)
	for i := range px {
		px[i] = byte(uint64(i)*3 + number)
	}
	return &wire.Frame{
		FrameNumber:       number,
		Width:             w,
		Height:            h,
		Stride:            w * 4,
		IsIDR:             number == 0,
		SemaphoreValue:    number * 11111,
		TargetTimestampNs: number * 11111,
		Pixels:            px,
	}
}

func testInit(w, h uint32) wire.InitHeader {
	return wire.InitHeader{NumImages: 3, Width: w, Height: h, FormatTag: 87, SourcePID: 777}
}

func waitFor(t *testing.T, cond func() bool, within time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

// TCP happy path: one init, ten frames, in order, byte-exact.
func TestTCPHappyPath(t *testing.T) {
	const port = 19944
	cap, _, _, _ := startConsumer(t, port)

	prod := NewProducer(port, testInit(64, 32))
	defer prod.Close()

	// The first submit dials; the kernel backlog accepts even before the
	// serve loop polls, but don't rely on it.
	require.Eventually(t, func() bool { return prod.Submit(gradientFrame(0, 64, 32)) },
		3*time.Second, 20*time.Millisecond)
	for n := uint64(1); n < 10; n++ {
		require.True(t, prod.Submit(gradientFrame(n, 64, 32)), "submit frame %d", n)
	}

	waitFor(t, func() bool { return cap.frameCount() == 10 }, 2*time.Second, "10 frames")

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.inits, 1)
	assert.Equal(t, uint32(3), cap.inits[0].NumImages)
	assert.Equal(t, uint32(87), cap.inits[0].FormatTag)

	for i, f := range cap.frames {
		assert.Equal(t, uint64(i), f.FrameNumber, "FIFO order")
		assert.Equal(t, gradientFrame(uint64(i), 64, 32).Pixels, f.Pixels, "pixels for frame %d", i)
	}
	assert.True(t, cap.frames[0].IsIDR)
	assert.False(t, cap.frames[1].IsIDR)
}

// Peer gone: killing the producer sends the consumer back to listening,
// and a fresh producer is accepted without a restart.
func TestTCPPeerGoneReaccept(t *testing.T) {
	const port = 19945
	cap, _, _, _ := startConsumer(t, port)

	prod := NewProducer(port, testInit(64, 32))
	require.Eventually(t, func() bool { return prod.Submit(gradientFrame(0, 64, 32)) },
		time.Second, 5*time.Millisecond)
	waitFor(t, func() bool { return cap.frameCount() == 1 }, time.Second, "first frame")

	require.NoError(t, prod.Close())

	prod2 := NewProducer(port, testInit(64, 32))
	defer prod2.Close()
	require.Eventually(t, func() bool { return prod2.Submit(gradientFrame(1, 64, 32)) },
		2*time.Second, 10*time.Millisecond)

	waitFor(t, func() bool { return cap.initCount() == 2 }, time.Second, "second init")
	waitFor(t, func() bool { return cap.frameCount() == 2 }, time.Second, "frame after reconnect")
}

// Protocol error: an impossible header tears the connection down; the
// consumer keeps listening and never delivers a frame from it.
func TestTCPProtocolErrorTeardown(t *testing.T) {
	const port = 19946
	cap, _, _, _ := startConsumer(t, port)

	conn, err := net.Dial("tcp", "127.0.0.1:19946")
	require.NoError(t, err)
	defer conn.Close()

	init := testInit(64, 32)
	_, err = conn.Write(init.AppendTo(nil))
	require.NoError(t, err)
	waitFor(t, func() bool { return cap.initCount() == 1 }, time.Second, "init")

	bad := wire.FrameHeader{Width: 64, Height: 32, Stride: 256, DataSize: wire.MaxFrameSize + 1}
	_, err = conn.Write(bad.AppendTo(nil))
	require.NoError(t, err)

	// The consumer closes the connection; our next read sees EOF.
	buf := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err, "consumer must close on protocol error")
	assert.Zero(t, cap.frameCount())

	// Still listening.
	prod := NewProducer(port, testInit(64, 32))
	defer prod.Close()
	require.Eventually(t, func() bool { return prod.Submit(gradientFrame(0, 64, 32)) },
		2*time.Second, 10*time.Millisecond)
	waitFor(t, func() bool { return cap.frameCount() == 1 }, time.Second, "frame after bad peer")
}

// Short writes must not confuse the draining read loop.
func TestTCPShortWrites(t *testing.T) {
	const port = 19947
	cap, _, _, _ := startConsumer(t, port)

	conn, err := net.Dial("tcp", "127.0.0.1:19947")
	require.NoError(t, err)
	defer conn.Close()

	f := gradientFrame(4, 8, 4)
	h := wire.FrameHeader{
		ImageIndex: 0, FrameNumber: 4,
		Width: 8, Height: 4, Stride: 32, DataSize: uint32(len(f.Pixels)),
	}
	initHdr := testInit(8, 4)
	stream := initHdr.AppendTo(nil)
	stream = h.AppendTo(stream)
	stream = append(stream, f.Pixels...)

	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		_, err := conn.Write(stream[i:end])
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	waitFor(t, func() bool { return cap.frameCount() == 1 }, 2*time.Second, "reassembled frame")
	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, f.Pixels, cap.frames[0].Pixels)
}

// Shutdown: raising the exiting flag stops Serve promptly.
func TestTCPShutdownLatency(t *testing.T) {
	const port = 19948
	var exiting atomic.Bool
	cons, err := NewConsumer(port, &exiting)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cons.Serve(&capture{})
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	exiting.Store(true)
	select {
	case <-done:
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("Serve did not observe exiting flag")
	}
	_ = cons.Close()
}

// A producer with no consumer drops silently and recovers on the next
// submit once the consumer appears.
func TestTCPProducerReconnects(t *testing.T) {
	const port = 19949
	prod := NewProducer(port, testInit(64, 32))
	defer prod.Close()

	assert.False(t, prod.Submit(gradientFrame(0, 64, 32)), "no consumer yet")
	assert.Equal(t, uint64(1), prod.Dropped())

	cap, _, _, _ := startConsumer(t, port)
	require.Eventually(t, func() bool { return prod.Submit(gradientFrame(1, 64, 32)) },
		3*time.Second, 20*time.Millisecond, "reconnect on a later submit")
	waitFor(t, func() bool { return cap.frameCount() == 1 }, time.Second, "frame delivered")
}
