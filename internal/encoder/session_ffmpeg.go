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

	astiav "github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/cbusillo/ALVR/internal/bitstream"
)

// FFmpegCapability creates HEVC sessions backed by ffmpeg's encoders.
// ExtraParams carries "-cOPTION=value" tokens applied to the codec
// options dictionary, same syntax as the stream settings file.
type FFmpegCapability struct {
	ExtraParams string
}

// ffmpegSession is one live encode pipeline: a BGRA input frame, a
// software scale to 4:2:0, the codec context, and a delivery goroutine
// that keeps completion callbacks off the submit path.
type ffmpegSession struct {
	cfg      SessionConfig
	onSample SampleFunc
	cl       *astikit.Closer

	mu   sync.Mutex
	ctx  *astiav.CodecContext
	ssc  *astiav.SoftwareScaleContext
	src  *astiav.Frame
	dst  *astiav.Frame
	pkt  *astiav.Packet
	dead bool

	// per-submit context, keyed by pts, so completions stay tied to
	// their frame without any session-global byte counters
	pending map[int64]FrameContext

	paramSets [][]byte

	deliveries chan Sample
	delivered  chan struct{}
}

// CreateSession opens an HEVC encoder configured for real-time streaming:
// no frame reordering, zero-latency tuning, parameter sets in extradata.
func (c *FFmpegCapability) CreateSession(cfg SessionConfig, onSample SampleFunc) (Session, error) {
	s := &ffmpegSession{
		cfg:        cfg,
		onSample:   onSample,
		cl:         astikit.NewCloser(),
		pending:    make(map[int64]FrameContext),
		deliveries: make(chan Sample, 8),
		delivered:  make(chan struct{}),
	}
	if err := s.open(c.ExtraParams); err != nil {
		s.cl.Close()
		return nil, err
	}
	go s.deliverLoop()
	return s, nil
}

func (s *ffmpegSession) open(extraParams string) error {
	codec := astiav.FindEncoder(astiav.CodecIDHevc)
	if codec == nil {
		return errors.New("ffmpeg: no HEVC encoder available")
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return errors.New("ffmpeg: AllocCodecContext failed")
	}
	s.cl.Add(ctx.Free)

	ctx.SetWidth(s.cfg.Width)
	ctx.SetHeight(s.cfg.Height)
	ctx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ctx.SetTimeBase(astiav.NewRational(1, TimeBaseDen))
	ctx.SetFramerate(astiav.NewRational(TimeBaseDen, 1))
	ctx.SetBitRate(s.cfg.BitrateBps)
	ctx.SetGopSize(s.cfg.MaxKeyframeInterval)
	// Parameter sets belong in extradata; the bitstream packer re-emits
	// them ahead of every keyframe.
	ctx.SetFlags(astiav.NewCodecContextFlags(astiav.CodecContextFlagGlobalHeader))

	opts := astiav.NewDictionary()
	defer opts.Free()
	if s.cfg.Realtime {
		_ = opts.Set("preset", "ultrafast", 0)
		_ = opts.Set("tune", "zerolatency", 0)
	}
	if !s.cfg.AllowReorder {
		_ = opts.Set("bf", "0", 0)
	}
	applyCodecParams(extraParams, opts)
	log.Printf("[ffmpeg] encoder options: %s", joinDict(opts))

	if err := ctx.Open(codec, opts); err != nil {
		return fmt.Errorf("ffmpeg: open %s: %w", codec.Name(), err)
	}
	s.ctx = ctx

	vps, sps, pps := bitstream.ExtractHevcParameterSets(ctx.ExtraData())
	if sps == nil {
		log.Printf("[ffmpeg] no parameter sets in extradata (len=%d)", len(ctx.ExtraData()))
	}
	s.paramSets = [][]byte{vps, sps, pps}

	ssc, err := astiav.CreateSoftwareScaleContext(
		s.cfg.Width, s.cfg.Height, astiav.PixelFormatBgra,
		s.cfg.Width, s.cfg.Height, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(),
	)
	if err != nil {
		return fmt.Errorf("ffmpeg: CreateSoftwareScaleContext: %w", err)
	}
	s.cl.Add(ssc.Free)
	s.ssc = ssc

	s.src = astiav.AllocFrame()
	s.cl.Add(s.src.Free)
	s.src.SetWidth(s.cfg.Width)
	s.src.SetHeight(s.cfg.Height)
	s.src.SetPixelFormat(astiav.PixelFormatBgra)
	if err := s.src.AllocBuffer(1); err != nil {
		return fmt.Errorf("ffmpeg: src AllocBuffer: %w", err)
	}

	s.dst = astiav.AllocFrame()
	s.cl.Add(s.dst.Free)
	s.dst.SetWidth(s.cfg.Width)
	s.dst.SetHeight(s.cfg.Height)
	s.dst.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := s.dst.AllocBuffer(1); err != nil {
		return fmt.Errorf("ffmpeg: dst AllocBuffer: %w", err)
	}

	s.pkt = astiav.AllocPacket()
	s.cl.Add(s.pkt.Free)
	return nil
}

// Submit converts one tightly packed BGRA frame to 4:2:0 and encodes
// it. Pixels are consumed before return. Blocks only for the bounded
// scale and encode work.
func (s *ffmpegSession) Submit(pixels []byte, width, height, stride int, pts, duration int64, forceKeyframe bool, fctx FrameContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errors.New("ffmpeg: session destroyed")
	}
	if width != s.cfg.Width || height != s.cfg.Height {
		return fmt.Errorf("ffmpeg: frame %dx%d does not match session %dx%d", width, height, s.cfg.Width, s.cfg.Height)
	}

	if err := s.src.Data().SetBytes(pixels, 1); err != nil {
		return fmt.Errorf("ffmpeg: stage frame: %w", err)
	}
	if err := s.ssc.ScaleFrame(s.src, s.dst); err != nil {
		return fmt.Errorf("ffmpeg: ScaleFrame: %w", err)
	}
	s.dst.SetPts(pts)
	if forceKeyframe {
		s.dst.SetPictureType(astiav.PictureTypeI)
	} else {
		s.dst.SetPictureType(astiav.PictureTypeNone)
	}

	s.pending[pts] = fctx
	if err := s.ctx.SendFrame(s.dst); err != nil {
		delete(s.pending, pts)
		return fmt.Errorf("ffmpeg: SendFrame: %w", err)
	}
	s.receiveLocked()
	return nil
}

// receiveLocked pulls every packet the encoder has ready and queues the
// corresponding samples for delivery. Caller holds mu.
func (s *ffmpegSession) receiveLocked() {
	for {
		if err := s.ctx.ReceivePacket(s.pkt); err != nil {
			if !errors.Is(err, astiav.ErrEagain) && !errors.Is(err, astiav.ErrEof) {
				log.Printf("[ffmpeg] ReceivePacket: %v", err)
			}
			return
		}
		s.queueSampleLocked()
		s.pkt.Unref()
	}
}

func (s *ffmpegSession) queueSampleLocked() {
	pts := s.pkt.Pts()
	fctx, ok := s.pending[pts]
	if ok {
		delete(s.pending, pts)
	}
	key := s.pkt.Flags().Has(astiav.PacketFlagKey)

	// The encoder emits Annex-B; the capability contract is 4-byte
	// length-prefixed units, so re-frame before handing the sample out.
	units := bitstream.SplitAnnexB(s.pkt.Data())
	data := bitstream.LengthPrefix(units)

	s.deliveries <- Sample{
		Data:          data,
		ParameterSets: s.paramSets,
		HasNotSync:    true,
		NotSync:       !key,
		Pts:           pts,
		Ctx:           fctx,
	}
}

// deliverLoop invokes the completion callback away from the submit
// path, preserving the "callback is always asynchronous" contract.
func (s *ffmpegSession) deliverLoop() {
	defer close(s.delivered)
	for sample := range s.deliveries {
		s.onSample(sample)
	}
}

// Drain flushes the encoder and returns after the last completion has
// been delivered.
func (s *ffmpegSession) Drain() error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return nil
	}
	if err := s.ctx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		log.Printf("[ffmpeg] flush: %v", err)
	}
	s.receiveLocked()
	s.dead = true
	s.mu.Unlock()

	close(s.deliveries)
	<-s.delivered
	return nil
}

// Destroy releases every ffmpeg resource. A session that was not
// drained first loses in-flight frames.
func (s *ffmpegSession) Destroy() {
	s.mu.Lock()
	if !s.dead {
		s.dead = true
		s.mu.Unlock()
		close(s.deliveries)
		<-s.delivered
	} else {
		s.mu.Unlock()
	}
	s.cl.Close()
}
