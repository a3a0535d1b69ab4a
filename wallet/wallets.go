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

package wallet

import (
	"bytes"
	"crypto/elliptic"
	"encoding/gob"
	"io/ioutil"

	"github.com/pkg/errors"

	"duskchain/utils"
)

// Wallets is a collection of Wallet kept in a single file, one address per
// entry. Unlike LoadWallet (one keypair per node), this is the CLI's
// multi-address store for createwallet/listaddr/send.
type Wallets struct {
	byAddress map[string]*Wallet
}

// NewWallets loads wallets from path, or returns an empty collection if the
// file does not yet exist.
func NewWallets(path string) (*Wallets, error) {
	wallets := &Wallets{byAddress: make(map[string]*Wallet)}
	if ok, _ := utils.FileExists(path); !ok {
		return wallets, nil
	}
	if err := wallets.loadFromFile(path); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (ws *Wallets) loadFromFile(path string) error {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "wallet: read wallets file")
	}
	gob.Register(elliptic.P256())
	var onDisk map[string]*Wallet
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&onDisk); err != nil {
		return errors.Wrap(err, "wallet: decode wallets file")
	}
	ws.byAddress = onDisk
	return nil
}

// SaveToFile persists the collection to path.
func (ws *Wallets) SaveToFile(path string) error {
	gob.Register(elliptic.P256())
	if err := ioutil.WriteFile(path, utils.GobEncode(ws.byAddress), 0600); err != nil {
		return errors.Wrap(err, "wallet: write wallets file")
	}
	return nil
}

// Addresses returns every address held in the collection.
func (ws *Wallets) Addresses() []string {
	addrs := make([]string, 0, len(ws.byAddress))
	for addr := range ws.byAddress {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Get returns the Wallet for addr.
func (ws *Wallets) Get(addr string) (*Wallet, error) {
	w, ok := ws.byAddress[addr]
	if !ok {
		return nil, errors.Errorf("wallet: address %q not found", addr)
	}
	return w, nil
}

// Create generates a new Wallet, adds it to the collection, and returns its
// address.
func (ws *Wallets) Create() (string, error) {
	w, err := NewWallet()
	if err != nil {
		return "", err
	}
	addr := w.Address()
	ws.byAddress[addr] = w
	return addr, nil
}
