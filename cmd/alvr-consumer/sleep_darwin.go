//go:build darwin
// +build darwin

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

	"github.com/prashantgupta24/mac-sleep-notifier/notifier"

	"github.com/cbusillo/ALVR/internal/encoder"
)

// handleSleep requests a keyframe after the machine wakes so the client
// has a clean recovery point; the session itself survives sleep.
func handleSleep(sched *encoder.IdrScheduler) {
	notifierCh := notifier.GetInstance().Start()
	for activity := range notifierCh {
		switch activity.Type {
		case notifier.Awake:
			log.Println("machine awake, requesting keyframe")
			sched.InsertIDR()
		case notifier.Sleep:
			log.Println("machine sleeping")
		}
	}
}
