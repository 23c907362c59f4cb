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

	"golang.org/x/sync/errgroup"

	"github.com/cbusillo/ALVR/internal/config"
	"github.com/cbusillo/ALVR/internal/encoder"
	"github.com/cbusillo/ALVR/internal/pose"
)

/*
Host-side receiver: reassembles frames from the shared-memory ring or
the TCP bytestream, drives the hardware compression session, and feeds
the packed elementary stream to the network sink.
*/

var version string
var build string

var exiting atomic.Bool

func main() {
	configPath := flag.String("config", config.SettingsFile(), "settings file")
	transportF := flag.String("transport", "", "override transport: shm or tcp")
	outPath := flag.String("out", "", "also append the elementary stream to this file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("Running alvr-consumer v%s (build: %s)", version, build)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v, writing defaults", err)
		if serr := config.Save(*configPath, cfg); serr != nil {
			log.Printf("config save: %v", serr)
		}
	}
	if *transportF != "" {
		cfg.Transport = *transportF
	}

	sink, closeSink, err := newSink(*outPath)
	if err != nil {
		log.Fatalf("sink: %v", err)
	}
	defer closeSink()

	sched := &encoder.IdrScheduler{}
	capability := &encoder.FFmpegCapability{ExtraParams: cfg.FFmpegParams}
	driver := encoder.NewDriver(capability, sched, sink, cfg.BitrateBps)
	history := pose.NewRing(0)

	rx := &receiver{
		cfg:     cfg,
		driver:  driver,
		sched:   sched,
		history: history,
	}

	// SIGUSR1 is the explicit keyframe-insert hook; the packetiser's
	// loss detector also lands on the same scheduler.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for s := range sigs {
			if s == syscall.SIGUSR1 {
				log.Printf("SIGUSR1: keyframe requested")
				sched.InsertIDR()
				continue
			}
			log.Printf("%v: shutting down", s)
			exiting.Store(true)
		}
	}()

	go handleSleep(sched)

	var g errgroup.Group
	g.Go(func() error {
		switch cfg.Transport {
		case "tcp":
			return rx.serveTCP()
		default:
			return rx.serveShm()
		}
	})
	g.Go(rx.statsLoop)

	if err := g.Wait(); err != nil {
		log.Printf("receiver: %v", err)
	}
	driver.Drain()
	log.Printf("bye")
}
