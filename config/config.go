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

// Package config loads the node's tunables once at startup. They are
// configuration, not process-wide mutable state: every component that needs
// them takes a Tunables value explicitly through its constructor.
package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"duskchain/utils"
)

// Tunables holds the values the spec calls out as configuration read once
// at startup.
type Tunables struct {
	TimeToSleep   time.Duration `yaml:"time_to_sleep"`
	MinerReward   int64         `yaml:"miner_reward"`
	Difficulty    int           `yaml:"difficulty"`
	DiscoveryPort int           `yaml:"discovery_port"`
	WalletFile    string        `yaml:"wallet_file"`
}

// yamlTunables mirrors Tunables with TimeToSleep as plain seconds, the
// natural representation in a YAML file. Difficulty is a pointer so that an
// explicit `difficulty: 0` in the file is distinguishable from the key
// being absent altogether — 0 is a valid difficulty (see
// core.Block.IsWellFormed), not a sentinel for "not set".
type yamlTunables struct {
	TimeToSleepSeconds int    `yaml:"time_to_sleep"`
	MinerReward        int64  `yaml:"miner_reward"`
	Difficulty         *int   `yaml:"difficulty"`
	DiscoveryPort      int    `yaml:"discovery_port"`
	WalletFile         string `yaml:"wallet_file"`
}

// Defaults returns the spec's default tunables: 60s between rounds, a
// reward of 50, difficulty 3, discovery on port 9000, wallet at
// my_wallet.txt.
func Defaults() Tunables {
	return Tunables{
		TimeToSleep:   60 * time.Second,
		MinerReward:   50,
		Difficulty:    3,
		DiscoveryPort: 9000,
		WalletFile:    "my_wallet.txt",
	}
}

// Load reads Tunables from the YAML file at path. A missing file, or a
// missing individual key, falls back to Defaults() for that field.
func Load(path string) (Tunables, error) {
	t := Defaults()
	if ok, _ := utils.FileExists(path); !ok {
		return t, nil
	}

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return Tunables{}, errors.Wrap(err, "config: read file")
	}

	var y yamlTunables
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Tunables{}, errors.Wrap(err, "config: parse yaml")
	}

	if y.TimeToSleepSeconds > 0 {
		t.TimeToSleep = time.Duration(y.TimeToSleepSeconds) * time.Second
	}
	if y.MinerReward > 0 {
		t.MinerReward = y.MinerReward
	}
	if y.Difficulty != nil {
		t.Difficulty = *y.Difficulty
	}
	if y.DiscoveryPort > 0 {
		t.DiscoveryPort = y.DiscoveryPort
	}
	if y.WalletFile != "" {
		t.WalletFile = y.WalletFile
	}
	return t, nil
}
