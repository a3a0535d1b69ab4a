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

// Package wallet derives the three collaborator operations the ledger
// depends on but does not implement itself: key-pair generation, address
// derivation, and signing/verification over tx_id||index.
package wallet

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	"duskchain/utils"
)

const version = byte(0x00)
const addrChecksumLen = 4

// Wallet is a single ECDSA P-256 keypair.
type Wallet struct {
	PrivateKey ecdsa.PrivateKey
	PubKey     []byte
}

// GenerateKeyPair returns a fresh P-256 keypair; PubKey is the concatenated
// X||Y coordinate bytes of the public point, each left-padded to the curve's
// coordinate size so the two halves are always equal in length.
func GenerateKeyPair() (ecdsa.PrivateKey, []byte, error) {
	curve := elliptic.P256()
	private, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return ecdsa.PrivateKey{}, nil, errors.Wrap(err, "wallet: generate keypair")
	}
	size := (curve.Params().BitSize + 7) / 8
	pubKey := make([]byte, 2*size)
	private.PublicKey.X.FillBytes(pubKey[:size])
	private.PublicKey.Y.FillBytes(pubKey[size:])
	return *private, pubKey, nil
}

// NewWallet creates a new Wallet with a freshly generated keypair.
func NewWallet() (*Wallet, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Wallet{PrivateKey: priv, PubKey: pub}, nil
}

// HashPubKey returns sha256-then-ripemd160 of pubKey, the payload address
// derivation is built on.
func HashPubKey(pubKey []byte) []byte {
	sha := sha256.Sum256(pubKey)
	hasher := ripemd160.New()
	hasher.Write(sha[:])
	return hasher.Sum(nil)
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:addrChecksumLen]
}

// Address derives the base58 address for pubKey: base58(version ||
// ripemd160(sha256(pubKey)) || checksum).
func Address(pubKey []byte) string {
	pubKeyHash := HashPubKey(pubKey)
	versioned := append([]byte{version}, pubKeyHash...)
	full := append(versioned, checksum(versioned)...)
	return string(utils.Base58Encoding(full))
}

// AddressFromHex derives the address for a hex-encoded public key, the form
// TxInput.PubKey carries on the wire.
func AddressFromHex(pubKeyHex string) (string, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return "", errors.Wrap(err, "wallet: decode pubkey hex")
	}
	return Address(pubKey), nil
}

// ValidateAddress reports whether addr decodes to a payload with a matching
// checksum.
func ValidateAddress(addr string) bool {
	full := utils.Base58Decoding([]byte(addr))
	if len(full) <= addrChecksumLen+1 {
		return false
	}
	actualChecksum := full[len(full)-addrChecksumLen:]
	versionedPayload := full[:len(full)-addrChecksumLen]
	return bytes.Equal(actualChecksum, checksum(versionedPayload))
}

// Sign signs message (tx_id||index) with priv and returns the hex-encoded
// signature: r||s, each left-padded to the curve's coordinate size.
func Sign(priv *ecdsa.PrivateKey, message []byte) (string, error) {
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return "", errors.Wrap(err, "wallet: sign")
	}
	size := (priv.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex signature over message against a hex-encoded pubkey
// (the concatenated X||Y point, as produced by GenerateKeyPair).
func Verify(pubKeyHex, sigHex string, message []byte) bool {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	half := len(pubKey) / 2
	if half == 0 || len(pubKey)%2 != 0 {
		return false
	}
	sigHalf := len(sig) / 2
	if sigHalf == 0 || len(sig)%2 != 0 {
		return false
	}

	x := new(big.Int).SetBytes(pubKey[:half])
	y := new(big.Int).SetBytes(pubKey[half:])
	r := new(big.Int).SetBytes(sig[:sigHalf])
	s := new(big.Int).SetBytes(sig[sigHalf:])

	digest := sha256.Sum256(message)
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsa.Verify(pub, digest[:], r, s)
}

// LoadWallet loads the single gob-encoded keypair stored at path, generating
// and persisting a fresh one if the file does not exist.
func LoadWallet(path string) (*Wallet, error) {
	if ok, _ := utils.FileExists(path); !ok {
		w, err := NewWallet()
		if err != nil {
			return nil, err
		}
		if err := saveWallet(path, w); err != nil {
			return nil, err
		}
		return w, nil
	}

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "wallet: read wallet file")
	}
	gob.Register(elliptic.P256())
	var w Wallet
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&w); err != nil {
		return nil, errors.Wrap(err, "wallet: decode wallet file")
	}
	return &w, nil
}

func saveWallet(path string, w *Wallet) error {
	gob.Register(elliptic.P256())
	if err := ioutil.WriteFile(path, utils.GobEncode(w), 0600); err != nil {
		return errors.Wrap(err, "wallet: write wallet file")
	}
	return nil
}

// PubKeyHex returns w's public key, hex-encoded, the form carried on the
// wire in TxInput.PubKey.
func (w *Wallet) PubKeyHex() string {
	return hex.EncodeToString(w.PubKey)
}

// Address returns the wallet's derived address.
func (w *Wallet) Address() string {
	return Address(w.PubKey)
}

// SignMessage signs message with w's private key.
func (w *Wallet) SignMessage(message []byte) (string, error) {
	return Sign(&w.PrivateKey, message)
}

// String renders the wallet's address, for debug/CLI output.
func (w *Wallet) String() string {
	return fmt.Sprintf("Wallet(%s)", w.Address())
}
