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

// Package config loads and persists the stream settings file.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

var appName = "alvr-bridge"

// Config is the full settings file. Only the frame port, the region
// file path and the bitrate are meant to be touched in the field.
type Config struct {
	TCPPort      int    `yaml:"tcp_port"`                // loopback frame port
	RegionPath   string `yaml:"region_path"`             // shared-memory region file
	BitrateBps   int64  `yaml:"bitrate_bps"`             // encoder target bitrate
	Transport    string `yaml:"transport,omitempty"`     // "shm" or "tcp"
	FFmpegParams string `yaml:"ffmpeg_params,omitempty"` // extra encoder parameters, -cOPTION=value
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		TCPPort:    9944,
		RegionPath: "/tmp/alvr_frame_buffer.shm",
		BitrateBps: 10_000_000,
		Transport:  "shm",
	}
}

// SettingsFile is the canonical settings path under the user config dir.
func SettingsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName, "settings.yml")
}

// SocketDir resolves the directory for the legacy Unix-socket mode:
// XDG_RUNTIME_DIR when set, the system temp dir otherwise. The core
// transports do not use it, but the path stays stable for tooling.
func SocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// Load reads the settings file at path. Missing fields keep their
// defaults; a missing file is an error so callers can decide to seed it.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save persists cfg atomically: write to tmp then rename.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(&cfg); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
