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
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cbusillo/ALVR/internal/config"
	"github.com/cbusillo/ALVR/internal/shm"
	"github.com/cbusillo/ALVR/internal/transport"
	"github.com/cbusillo/ALVR/internal/wire"
)

/*
Renderer-side shipper: stands in for the compatibility-layer producer.
A synthetic BGRA source renders at a fixed rate and every frame is
handed to the selected transport from the render thread.
*/

var version string
var build string

var exiting atomic.Bool

// formatTagBGRA is the producer-side pixel-format identifier carried in
// the init header. Opaque to the consumer.
const formatTagBGRA = 87

func main() {
	configPath := flag.String("config", config.SettingsFile(), "settings file")
	transportF := flag.String("transport", "", "override transport: shm or tcp")
	width := flag.Uint("width", 1920, "frame width")
	height := flag.Uint("height", 1080, "frame height")
	fps := flag.Uint("fps", 90, "render rate")
	frames := flag.Uint64("frames", 0, "stop after this many frames (0 = run forever)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("Running alvr-producer v%s (build: %s)", version, build)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v, using defaults", err)
	}
	if *transportF != "" {
		cfg.Transport = *transportF
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Printf("%v: shutting down", s)
		exiting.Store(true)
	}()

	var deviceUUID [16]byte
	u := uuid.New()
	copy(deviceUUID[:], u[:])
	log.Printf("device uuid: %s", u)

	submit, closeFn, err := openTransport(cfg, uint32(*width), uint32(*height), deviceUUID)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer closeFn()

	runRenderLoop(uint32(*width), uint32(*height), *fps, *frames, submit)
	log.Printf("bye")
}

// openTransport builds the selected shipper and returns its submit
// function plus a closer.
func openTransport(cfg config.Config, width, height uint32, deviceUUID [16]byte) (func(*wire.Frame) bool, func(), error) {
	switch cfg.Transport {
	case "tcp":
		init := wire.InitHeader{
			NumImages:  shm.NumBuffers,
			DeviceUUID: deviceUUID,
			Width:      width,
			Height:     height,
			FormatTag:  formatTagBGRA,
			SourcePID:  uint32(os.Getpid()),
		}
		p := transport.NewProducer(cfg.TCPPort, init)
		return p.Submit, func() {
			log.Printf("[tcp] sent=%d dropped=%d", p.Sent(), p.Dropped())
			_ = p.Close()
		}, nil
	default:
		p, err := shm.NewProducer(cfg.RegionPath, width, height, formatTagBGRA, 30*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return p.Submit, func() {
			log.Printf("[shm] written=%d dropped=%d", p.Written(), p.Dropped())
			_ = p.Close()
		}, nil
	}
}
