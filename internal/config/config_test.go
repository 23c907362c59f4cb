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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 9944, cfg.TCPPort)
	assert.Equal(t, "/tmp/alvr_frame_buffer.shm", cfg.RegionPath)
	assert.Equal(t, int64(10_000_000), cfg.BitrateBps)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "settings.yml")
	cfg := Default()
	cfg.TCPPort = 12345
	cfg.Transport = "tcp"
	cfg.FFmpegParams = "-cpreset=fast"

	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "no temp file left behind")
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_port: 5000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.TCPPort)
	assert.Equal(t, Default().RegionPath, cfg.RegionPath, "unset fields keep defaults")
}

func TestSocketDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000", SocketDir())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, os.TempDir(), SocketDir())
}
