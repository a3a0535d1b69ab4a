// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadPartialFileFillsMissingKeysFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("miner_reward: 100\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 100, cfg.MinerReward)
	assert.Equal(t, Defaults().Difficulty, cfg.Difficulty)
	assert.Equal(t, Defaults().TimeToSleep, cfg.TimeToSleep)
}

func TestLoadExplicitDifficultyZeroIsPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("difficulty: 0\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Difficulty)
}

func TestLoadExplicitDifficultyNonZeroOverridesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("difficulty: 5\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Difficulty)
}
